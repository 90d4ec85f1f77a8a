package app

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// requestLogging tags each request with a short id and logs it with the
// final status and byte count.
func requestLogging(c *fiber.Ctx) (err error) {
	var id string = uuid.NewString()[:8]
	c.Locals("request_id", id)

	err = c.Next()

	log.Basicf("%s %s %s %s -> %d (%d bytes)\n",
		id, c.IP(), c.Method(), c.OriginalURL(),
		c.Response().StatusCode(), c.Response().Header.ContentLength())

	return
}
