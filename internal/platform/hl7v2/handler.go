package hl7v2

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the decoder over HTTP for feeder-system diagnostics.
type Handler struct {
	opts []Option
}

// NewHandler creates a new HL7v2 handler. opts are applied to every decode.
func NewHandler(opts ...Option) *Handler {
	return &Handler{opts: opts}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2/parse  - Decode an HL7v2 message to JSON
//	POST /hl7v2/ack    - Decode an HL7v2 message and return its ER7 acknowledgment
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	g.POST("/hl7v2/ack", h.AckMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	msg, errResp := h.decodeBody(c)
	if errResp != nil {
		return c.JSON(http.StatusBadRequest, errResp)
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	result := map[string]interface{}{
		"type":         msg.MessageType,
		"event":        msg.TriggerEvent,
		"structure":    msg.Structure,
		"controlId":    msg.ControlID,
		"version":      msg.Version,
		"encoding":     msg.Delimiters.EncodingCharacters(),
		"timestamp":    msg.Timestamp.Format("2006-01-02T15:04:05Z"),
		"sendingApp":   msg.SendingApp,
		"sendingFac":   msg.SendingFac,
		"receivingApp": msg.ReceivingApp,
		"receivingFac": msg.ReceivingFac,
		"segments":     segments,
	}

	return c.JSON(http.StatusOK, result)
}

// AckMessage handles POST /hl7v2/ack. A decodable message is answered with
// an AA acknowledgment as text/plain.
func (h *Handler) AckMessage(c echo.Context) error {
	msg, errResp := h.decodeBody(c)
	if errResp != nil {
		return c.JSON(http.StatusBadRequest, errResp)
	}
	return c.Blob(http.StatusOK, "text/plain", Serialize(GenerateACK(msg, AckAccept, "")))
}

func (h *Handler) decodeBody(c echo.Context) (*Message, map[string]string) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, map[string]string{"error": "failed to read request body"}
	}
	if len(body) == 0 {
		return nil, map[string]string{"error": "request body is empty"}
	}

	msg, err := Decode(body, h.opts...)
	if err != nil {
		resp := map[string]string{"error": "failed to parse HL7v2 message: " + err.Error()}
		var de *DecodeError
		if errors.As(err, &de) {
			resp["kind"] = string(de.Kind)
		}
		return nil, resp
	}
	return msg, nil
}
