package server

import (
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/internal/config"
	"github.com/menta2k/bodymeasure/internal/log"
)

// NewFiber creates the fiber app. Errors escaping a handler are reported in the
// predict response shape.
func NewFiber(cfg config.ServerConfig, logger logrus.FieldLogger) *fiber.App {
	bodyLimit := cfg.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 20
	}

	app := fiber.New(
		fiber.Config{
			AppName:               "bodymeasure",
			BodyLimit:             bodyLimit * 1024 * 1024,
			DisableKeepalive:      false,
			StrictRouting:         true,
			CaseSensitive:         true,
			DisableStartupMessage: true,
			JSONEncoder:           jsoniter.Marshal,
			JSONDecoder:           jsoniter.Unmarshal,
			ErrorHandler: func(ctx *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				msg := ErrInternalServerError.Error()
				if fe, ok := err.(*fiber.Error); ok {
					code, msg = fe.Code, fe.Message
				}
				if code >= fiber.StatusInternalServerError {
					log.WithRequestID(logger, GetRequestID(ctx)).WithField("error", err.Error()).Error("unhandled error")
				}
				return ctx.Status(code).JSON(PredictResponse{Status: StatusError, Code: kindForStatus(code), Error: msg})
			},
		})

	return app
}
