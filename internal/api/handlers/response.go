package handlers

import (
	"github.com/gofiber/fiber/v2"
)

func respond(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{
		"code": fiber.StatusOK,
		"data": data,
	})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"code":    status,
		"message": message,
	})
}
