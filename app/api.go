package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/twdamhore/serabut/action"
	"github.com/twdamhore/serabut/boottmpl"
	"github.com/twdamhore/serabut/config"
	"github.com/twdamhore/serabut/content"
	"github.com/twdamhore/serabut/hardware"
	"github.com/twdamhore/serabut/iso9660"
	"github.com/twdamhore/serabut/stream"
)

// markCompleteAttempts bounds immediate retries when the store is busy.
const markCompleteAttempts = 3

func apiContentEmbedded(c *fiber.Ctx) (err error) {
	var alias string = c.Params("alias")

	var inner string
	if inner, err = url.PathUnescape(c.Params("*")); err != nil {
		inner = c.Params("*")
		err = nil
	}

	var desc *stream.Descriptor
	if desc, err = resolver.Embedded(alias, inner); err != nil {
		return sendContentError(c, err)
	}

	return sendDescriptor(c, desc, contentTypeFor(inner), "")
}

func apiContentComposite(c *fiber.Ctx) (err error) {
	var desc *stream.Descriptor
	if desc, err = resolver.Composite(c.Params("name")); err != nil {
		return sendContentError(c, err)
	}

	return sendDescriptor(c, desc, "application/octet-stream", "")
}

func apiContentRaw(c *fiber.Ctx) (err error) {
	var alias, filename string = c.Params("alias"), c.Params("filename")

	var desc *stream.Descriptor
	if desc, err = resolver.Raw(alias, filename); err != nil {
		return sendContentError(c, err)
	}

	var disposition string = fmt.Sprintf("attachment; filename=%q", filename)
	return sendDescriptor(c, desc, "application/x-iso9660-image", disposition)
}

func apiActionBoot(c *fiber.Ctx) (err error) {
	var entry *action.Entry
	if entry, err = store.LookupPending(c.Query("machine")); err != nil {
		return sendActionError(c, err)
	}

	var snapshot *content.Snapshot = tables.Snapshot()
	var filename string
	if aliasEntry, ok := snapshot.Aliases[entry.Alias]; ok {
		filename = aliasEntry.Filename
	}

	var hw *hardware.Config
	if hw, err = hardware.Load(config.Config.Library.Dir, entry.Machine); err != nil {
		log.Warningf("Hardware config for %s unreadable: %v\n", entry.Machine, err)
		hw = &hardware.Config{}
		err = nil
	}

	host, port := splitHostHeader(string(c.Request().URI().Host()))

	var ctx *boottmpl.Context = &boottmpl.Context{
		ServerHost: host,
		ServerPort: port,
		Machine:    entry.Machine,
		Alias:      entry.Alias,
		Profile:    entry.Profile,
		Filename:   filename,
		Hostname:   hw.Hostname,
		Extra:      hw.Extra,
	}

	var rendered []byte
	if rendered, err = boottmpl.Render(bootTemplatePath(entry.Profile), ctx); err != nil {
		log.Errorf("Boot template for %s failed: %v\n", entry.Machine, err)
		return c.Status(fiber.StatusInternalServerError).SendString("boot template error")
	}

	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	return c.Send(rendered)
}

func apiActionComplete(c *fiber.Ctx) (err error) {
	var machine string = c.Query("machine")

	for attempt := 1; ; attempt++ {
		if err = store.MarkComplete(machine); !errors.Is(err, action.ErrStore) || attempt == markCompleteAttempts {
			break
		}

		time.Sleep(50 * time.Millisecond)
	}

	if err != nil {
		return sendActionError(c, err)
	}

	return c.SendString("OK")
}

// sendDescriptor streams a resolved descriptor. Content-Length is the
// descriptor's precomputed total and is on the wire before the first body
// byte; the response is never chunked.
func sendDescriptor(c *fiber.Ctx, desc *stream.Descriptor, contentType, disposition string) error {
	c.Set(fiber.HeaderContentType, contentType)
	if disposition != "" {
		c.Set(fiber.HeaderContentDisposition, disposition)
	}

	var body = pipeline.Stream(c.Context(), desc)
	c.Context().SetBodyStream(body, int(desc.TotalLength))
	return nil
}

func sendContentError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, content.ErrNotFound):
		return c.Status(fiber.StatusNotFound).SendString("not found")
	case errors.Is(err, content.ErrForbidden):
		return c.Status(fiber.StatusForbidden).SendString("not downloadable")
	case errors.Is(err, iso9660.ErrMalformed):
		log.Errorf("Malformed image: %v\n", err)
		return c.Status(fiber.StatusInternalServerError).SendString("malformed image")
	default:
		log.Errorf("Content resolution failed: %v\n", err)
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}
}

func sendActionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, action.ErrBadMachineID):
		return c.Status(fiber.StatusBadRequest).SendString("invalid machine identifier")
	case errors.Is(err, action.ErrNoPending):
		return c.Status(fiber.StatusNotFound).SendString("no pending action")
	case errors.Is(err, action.ErrStore):
		log.Errorf("Action store unavailable: %v\n", err)
		return c.Status(fiber.StatusServiceUnavailable).SendString("store unavailable")
	default:
		log.Errorf("Action request failed: %v\n", err)
		return c.Status(fiber.StatusInternalServerError).SendString("internal error")
	}
}

// bootTemplatePath prefers a profile-specific template under
// automation/<profile>/ and falls back to the library-level one.
func bootTemplatePath(profile string) string {
	if profile != "" {
		var override string = filepath.Join(config.Config.Library.Dir, "automation", profile, config.Config.Boot.TemplateFile)
		if _, err := os.Stat(override); err == nil {
			return override
		}
	}

	return config.Config.BootTemplatePath()
}

// splitHostHeader splits a Host header into host and port, defaulting the
// port to the one the server listens on.
func splitHostHeader(header string) (host, port string) {
	if host, port, _ = net.SplitHostPort(header); host != "" && port != "" {
		return
	}

	host = header
	if host == "" {
		host = "localhost"
	}

	if _, port, _ = net.SplitHostPort(config.Config.WebServer.Address); port == "" {
		port = "80"
	}

	return
}

// contentTypeFor guesses a Content-Type from the inner path's extension.
func contentTypeFor(path string) string {
	var lower string = strings.ToLower(path)

	switch {
	case strings.HasSuffix(lower, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".iso"):
		return "application/x-iso9660-image"
	case strings.HasSuffix(lower, ".cfg"), strings.HasSuffix(lower, ".txt"), strings.HasSuffix(lower, ".ipxe"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
