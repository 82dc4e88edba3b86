package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/becomeliminal/memoryd/internal/apperr"
	"github.com/becomeliminal/memoryd/internal/model"
)

// Codec decodes and validates request payloads. Validation happens before
// any storage tier is touched, so a rejected request has no side effects.
type Codec struct {
	validate *validator.Validate
}

// NewCodec builds a Codec with struct-tag validation.
func NewCodec() *Codec {
	return &Codec{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// DecodeRequest parses one wire message into a Request and checks the
// envelope fields.
func (c *Codec) DecodeRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "malformed request: %v", err)
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "request_id is required")
	}
	if strings.TrimSpace(req.Action) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "action is required")
	}
	return &req, nil
}

// DecodePayload unmarshals the payload into dst and validates it.
func (c *Codec) DecodePayload(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return apperr.Validation(apperr.CodeInvalidRequest, "malformed payload: %v", err)
		}
	}
	if err := c.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apperr.Validation(apperr.CodeValidationError,
				"field %s failed %s validation", strings.ToLower(f.Field()), f.Tag())
		}
		return apperr.Validation(apperr.CodeValidationError, "invalid payload: %v", err)
	}
	return c.checkSemantics(dst)
}

// checkSemantics covers the rules struct tags cannot express.
func (c *Codec) checkSemantics(dst any) error {
	switch p := dst.(type) {
	case *CreatePayload:
		if !model.MemoryType(p.MemoryType).Valid() {
			return apperr.Validation(apperr.CodeValidationError, "unknown memory_type %q", p.MemoryType)
		}
		if strings.TrimSpace(p.Content.Text) == "" {
			return apperr.Validation(apperr.CodeValidationError, "content.text is required")
		}
	case *UpdatePayload:
		if p.Content == nil && p.Tags == nil && p.Priority == nil && p.TTLSeconds == nil {
			return apperr.Validation(apperr.CodeValidationError, "update patch is empty")
		}
		if p.TTLSeconds != nil && *p.TTLSeconds < 0 {
			return apperr.Validation(apperr.CodeValidationError, "ttl must not be negative")
		}
	case *SearchPayload:
		for _, mt := range p.Filters.MemoryTypes {
			if !model.MemoryType(mt).Valid() {
				return apperr.Validation(apperr.CodeValidationError, "unknown memory_type %q", mt)
			}
		}
		if tr := p.Filters.TimeRange; tr != nil && tr.From != nil && tr.To != nil && tr.To.Before(*tr.From) {
			return apperr.Validation(apperr.CodeValidationError, "time_range.to precedes time_range.from")
		}
	case *BulkDeletePayload:
		if len(p.MemoryIDs) == 0 && p.MemoryType == "" && p.SessionID == "" && p.OlderThan == nil {
			return apperr.Validation(apperr.CodeValidationError, "bulk_delete needs at least one selector")
		}
		if p.MemoryType != "" && !model.MemoryType(p.MemoryType).Valid() {
			return apperr.Validation(apperr.CodeValidationError, "unknown memory_type %q", p.MemoryType)
		}
	}
	return nil
}
