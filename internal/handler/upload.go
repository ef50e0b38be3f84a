package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/docforge/api/internal/service"
	"github.com/docforge/api/pkg/response"
)

type UploadHandler struct {
	service *service.UploadService
}

func NewUploadHandler(svc *service.UploadService) *UploadHandler {
	return &UploadHandler{service: svc}
}

// Upload handles POST /api/uploads/:kind (multipart field "file")
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	kind := c.Params("kind")

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}
	if file.Size > service.MaxUploadSize {
		return response.ValidationError(c, "File size exceeds limit", map[string]interface{}{
			"maxSize":  service.MaxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Upload(c.UserContext(), kind, file.Filename, f)
	if err != nil {
		var inputErr *service.InputError
		switch {
		case errors.Is(err, service.ErrUnsupportedKind):
			return response.NotFound(c, err.Error())
		case errors.Is(err, service.ErrUploadTooLarge):
			return response.ValidationError(c, "File size exceeds limit", nil)
		case errors.As(err, &inputErr):
			return response.ValidationError(c, inputErr.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, result)
}
