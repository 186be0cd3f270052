package config

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

func NewFiber(logger *logrus.Logger, env *Env) *fiber.App {
	app := fiber.New(
		fiber.Config{
			AppName:           env.AppName,
			Immutable:         true,
			BodyLimit:         env.BodyLimit(),
			DisableKeepalive:  false,
			StrictRouting:     true,
			CaseSensitive:     true,
			EnablePrintRoutes: env.AppEnv == "development",
			JSONEncoder:       jsoniter.Marshal,
			JSONDecoder:       jsoniter.Unmarshal,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				message := "An unexpected error occurred"

				var fiberErr *fiber.Error
				if errors.As(err, &fiberErr) {
					code = fiberErr.Code
					message = fiberErr.Message
				} else {
					logger.WithField("path", c.Path()).Errorf("Unhandled error: %v", err)
				}

				return c.Status(code).JSON(fiber.Map{"error": message})
			},
		})

	return app
}
