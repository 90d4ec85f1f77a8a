package app

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	isofixture "github.com/kdomanski/iso9660"
	"github.com/twdamhore/serabut/config"
)

var (
	testKernel = bytes.Repeat([]byte{0xaa, 0x55}, 20000)
	testInitrd = []byte("initrd payload\n")
)

// setupApp builds a complete library on disk, points the global config at
// it and wires a fresh app.
func setupApp(t *testing.T) *fiber.App {
	t.Helper()

	var libraryDir string = t.TempDir()

	writer, err := isofixture.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Cleanup()

	if err = writer.AddFile(bytes.NewReader(testKernel), "boot/kernel.img"); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	if err = writer.AddFile(bytes.NewReader(testInitrd), "boot/initrd.gz"); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}

	out, err := os.Create(filepath.Join(libraryDir, "installer.iso"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err = writer.WriteTo(out, "INSTALLER"); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	out.Close()

	var files = map[string]string{
		"overlay.img": "flat overlay bytes",
		"aliases.cfg": "installer = installer.iso, downloadable\nlocked = installer.iso\n",
		"combine.cfg": "bundle = content:installer/boot/kernel.img, file:overlay.img\n",
		"action.cfg": "aa-bb-cc-dd-ee-ff=installer,default\n" +
			"11-22-33-44-55-66=installer,special\n",
		"boot.ipxe.tmpl":                          "#!ipxe\nkernel http://{{ .ServerHost }}:{{ .ServerPort }}/content/embedded/{{ .Alias }}/boot/kernel.img machine={{ .Machine }} hostname={{ default .Hostname \"installer\" }}\nboot\n",
		"automation/special/boot.ipxe.tmpl":       "#!ipxe\n# profile {{ .Profile }} override\nboot\n",
		"hardware/aa-bb-cc-dd-ee-ff/hardware.cfg": "hostname = node-01\n",
	}

	for name, content := range files {
		var path string = filepath.Join(libraryDir, name)
		if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}

		if err = os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	config.Config.WebServer.Address = ":4123"
	config.Config.Library.Dir = libraryDir
	config.Config.Library.AliasesFile = "aliases.cfg"
	config.Config.Library.CombineFile = "combine.cfg"
	config.Config.Library.ActionFile = "action.cfg"
	config.Config.Streaming.ChunkSizeMiB = 1
	config.Config.Streaming.QueueCapacity = 2
	config.Config.Streaming.MaxReaders = 8
	config.Config.Boot.TemplateFile = "boot.ipxe.tmpl"

	app, err := CreateApp()
	if err != nil {
		t.Fatalf("CreateApp failed: %v", err)
	}

	t.Cleanup(tables.Close)
	return app
}

func fetch(t *testing.T, app *fiber.App, url string) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest("GET", url, nil), 10000)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s body failed: %v", url, err)
	}
	resp.Body.Close()

	return resp, body
}

func TestContentEmbedded(t *testing.T) {
	var app *fiber.App = setupApp(t)

	resp, body := fetch(t, app, "/content/embedded/installer/boot/kernel.img")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(testKernel)) {
		t.Errorf("Content-Length = %q, want %d", got, len(testKernel))
	}

	if resp.TransferEncoding != nil {
		t.Errorf("response used transfer encoding %v", resp.TransferEncoding)
	}

	if !bytes.Equal(body, testKernel) {
		t.Errorf("body is %d bytes, want %d", len(body), len(testKernel))
	}

	resp, _ = fetch(t, app, "/content/embedded/installer/boot/initrd.gz")
	if got := resp.Header.Get("Content-Type"); got != "application/gzip" {
		t.Errorf("initrd Content-Type = %q", got)
	}
}

func TestContentEmbeddedErrors(t *testing.T) {
	var app *fiber.App = setupApp(t)

	for url, want := range map[string]int{
		"/content/embedded/nosuch/boot/kernel.img": http.StatusNotFound,
		"/content/embedded/installer/boot/nothere": http.StatusNotFound,
		"/content/embedded/installer/boot/..%2f..": http.StatusNotFound,
	} {
		if resp, _ := fetch(t, app, url); resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", url, resp.StatusCode, want)
		}
	}
}

func TestContentComposite(t *testing.T) {
	var app *fiber.App = setupApp(t)

	resp, body := fetch(t, app, "/content/composite/bundle")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var want []byte = append(append([]byte{}, testKernel...), []byte("flat overlay bytes")...)
	if got := resp.Header.Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}

	if !bytes.Equal(body, want) {
		t.Error("composite body is not the concatenation of its sources")
	}

	if resp, _ = fetch(t, app, "/content/composite/nosuch"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown composite = %d, want 404", resp.StatusCode)
	}
}

func TestContentRaw(t *testing.T) {
	var app *fiber.App = setupApp(t)

	stat, err := os.Stat(filepath.Join(config.Config.Library.Dir, "installer.iso"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	resp, body := fetch(t, app, "/content/raw/installer/installer.iso")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	if got := resp.Header.Get("Content-Length"); got != strconv.FormatInt(stat.Size(), 10) {
		t.Errorf("Content-Length = %q, want %d", got, stat.Size())
	}

	if !strings.Contains(resp.Header.Get("Content-Disposition"), "installer.iso") {
		t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
	}

	if int64(len(body)) != stat.Size() {
		t.Errorf("body is %d bytes, want %d", len(body), stat.Size())
	}

	if resp, _ = fetch(t, app, "/content/raw/locked/installer.iso"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("locked alias = %d, want 403", resp.StatusCode)
	}

	if resp, _ = fetch(t, app, "/content/raw/installer/renamed.iso"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("filename mismatch = %d, want 404", resp.StatusCode)
	}
}

func TestActionBoot(t *testing.T) {
	var app *fiber.App = setupApp(t)

	resp, body := fetch(t, app, "/action/boot?machine=AA:BB:CC:DD:EE:FF")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	var script string = string(body)
	if !strings.Contains(script, "/content/embedded/installer/boot/kernel.img") {
		t.Errorf("boot script missing kernel URL: %s", script)
	}

	if !strings.Contains(script, "machine=aa-bb-cc-dd-ee-ff") {
		t.Errorf("boot script missing machine id: %s", script)
	}

	if !strings.Contains(script, "hostname=node-01") {
		t.Errorf("hardware hostname not applied: %s", script)
	}

	if !strings.Contains(script, "http://example.com:4123/") {
		t.Errorf("server host and port not derived from the request: %s", script)
	}
}

func TestActionBootProfileOverride(t *testing.T) {
	var app *fiber.App = setupApp(t)

	resp, body := fetch(t, app, "/action/boot?machine=11-22-33-44-55-66")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	if !strings.Contains(string(body), "profile special override") {
		t.Errorf("profile template override not used: %s", body)
	}
}

func TestActionBootErrors(t *testing.T) {
	var app *fiber.App = setupApp(t)

	if resp, _ := fetch(t, app, "/action/boot?machine=00:00:00:00:00:00"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown machine = %d, want 404", resp.StatusCode)
	}

	if resp, _ := fetch(t, app, "/action/boot?machine=junk"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad machine id = %d, want 400", resp.StatusCode)
	}
}

func TestActionComplete(t *testing.T) {
	var app *fiber.App = setupApp(t)

	resp, _ := fetch(t, app, "/action/complete?machine=aa:bb:cc:dd:ee:ff")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	data, err := os.ReadFile(config.Config.ActionPath())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if !strings.Contains(string(data), "# completed aa-bb-cc-dd-ee-ff on ") {
		t.Errorf("store not rewritten: %s", data)
	}

	// Completed machines neither boot nor complete again.
	if resp, _ = fetch(t, app, "/action/complete?machine=aa:bb:cc:dd:ee:ff"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat completion = %d, want 404", resp.StatusCode)
	}

	if resp, _ = fetch(t, app, "/action/boot?machine=aa:bb:cc:dd:ee:ff"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("boot after completion = %d, want 404", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	var app *fiber.App = setupApp(t)

	if resp, body := fetch(t, app, "/healthz"); resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
}
