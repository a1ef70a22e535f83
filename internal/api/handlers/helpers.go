package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

func GetUserID(c *fiber.Ctx) int64 {
	v, _ := c.Locals("user_id").(string)
	userID, _ := strconv.ParseInt(v, 10, 64)
	return userID
}
