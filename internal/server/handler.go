package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/internal/log"
	"github.com/menta2k/bodymeasure/internal/utils"
	"github.com/menta2k/bodymeasure/pkg/types"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Measurer runs measurements for the HTTP handler
type Measurer interface {
	Measure(ctx context.Context, source string) (types.Measurement, error)
	MeasureReader(ctx context.Context, r io.Reader) (types.Measurement, error)
}

// PredictRequest is the JSON form of a predict call
type PredictRequest struct {
	ImageURL string `json:"image_url" form:"image_url" validate:"required,http_url"`
}

// PredictResponse is returned by the predict endpoints
type PredictResponse struct {
	Status            string             `json:"status"`
	PredictedLengthCm *float64           `json:"predicted_length_cm,omitempty"`
	Measurement       *types.Measurement `json:"measurement,omitempty"`
	Code              string             `json:"code,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// PredictHandler serves length predictions
type PredictHandler struct {
	log       logrus.FieldLogger
	validator *validator.Validate
	measurer  Measurer
	timeout   time.Duration
}

// NewPredictHandler creates a predict handler. A timeout <= 0 disables the per-request deadline.
func NewPredictHandler(logger logrus.FieldLogger, v *validator.Validate, m Measurer, timeout time.Duration) *PredictHandler {
	return &PredictHandler{
		log:       logger,
		validator: v,
		measurer:  m,
		timeout:   timeout,
	}
}

// Start registers the routes under srv
func (h *PredictHandler) Start(srv fiber.Router) {
	srv.Post("/predict-length", h.Predict)
	srv.Post("/predict-babyheight", h.Predict)
}

// Predict accepts a multipart "image" upload or a JSON {"image_url": ...} body.
// ?details=true adds the full measurement to the response.
func (h *PredictHandler) Predict(ctx *fiber.Ctx) error {
	requestID := GetRequestID(ctx)
	entry := log.WithRequestID(h.log, requestID)

	c := ctx.UserContext()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		c, cancel = context.WithTimeout(c, h.timeout)
		defer cancel()
	}

	m, err := h.measure(c, ctx, entry)
	if err != nil {
		return h.fail(ctx, entry, err)
	}

	length := m.LengthCm
	resp := PredictResponse{Status: StatusSuccess, PredictedLengthCm: &length}
	if ctx.QueryBool("details") {
		resp.Measurement = &m
	}

	entry.WithFields(log.Fields{
		"length_cm":    m.LengthCm,
		"mode":         m.Mode,
		"scale_factor": float64(m.Calibration.ScaleFactor),
	}).Info("prediction served")
	return ctx.Status(fiber.StatusOK).JSON(resp)
}

func (h *PredictHandler) measure(c context.Context, ctx *fiber.Ctx, entry *logrus.Entry) (types.Measurement, error) {
	if file, err := ctx.FormFile("image"); err == nil {
		f, err := file.Open()
		if err != nil {
			return types.Measurement{}, ErrImageRequired
		}
		defer f.Close()

		entry.WithFields(log.Fields{"filename": file.Filename, "size": utils.FormatFileSize(file.Size)}).Debug("measuring upload")
		return h.measurer.MeasureReader(c, f)
	}

	var req PredictRequest
	if err := ctx.BodyParser(&req); err != nil {
		return types.Measurement{}, ErrImageRequired
	}
	if err := h.validator.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "required" {
			return types.Measurement{}, ErrImageRequired
		}
		return types.Measurement{}, ErrInvalidImageURL
	}

	entry.WithField("image_url", req.ImageURL).Debug("measuring url")
	return h.measurer.Measure(c, req.ImageURL)
}

func (h *PredictHandler) fail(ctx *fiber.Ctx, entry *logrus.Entry, err error) error {
	respErr := classify(err)

	fields := log.Fields{"error": err.Error(), "status": respErr.Code, "code": respErr.Kind, "path": ctx.Path()}
	if respErr.Code >= fiber.StatusInternalServerError {
		entry.WithFields(fields).Error("prediction failed")
	} else {
		entry.WithFields(fields).Warn("prediction rejected")
	}

	return ctx.Status(respErr.Code).JSON(PredictResponse{Status: StatusError, Code: respErr.Kind, Error: respErr.Error()})
}
