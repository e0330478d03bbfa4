package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a decoded HL7v2 message.
type Message struct {
	MessageType  string    // MSH-9.1 (e.g. "ADT")
	TriggerEvent string    // MSH-9.2 (e.g. "A01")
	Structure    string    // MSH-9.3, optional (e.g. "ADT_A01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delimiters   Delimiters
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field

	subSep byte
}

// Field represents a field which can have components and repetitions.
// Values are kept escaped, as they appear on the wire.
type Field struct {
	Value      string
	Components []string   // components of the first repetition
	Repeats    [][]string // every repetition, each split into components
}

// Option tunes Decode.
type Option func(*decodeOptions)

type decodeOptions struct {
	versions map[string]bool
}

// WithAllowedVersions restricts MSH-12 to the given versions. Messages
// declaring any other version fail with ErrUnsupportedEncoding.
func WithAllowedVersions(versions ...string) Option {
	return func(o *decodeOptions) {
		if len(versions) == 0 {
			return
		}
		o.versions = make(map[string]bool, len(versions))
		for _, v := range versions {
			o.versions[v] = true
		}
	}
}

// Decode parses raw ER7 text into a Message using the delimiters declared in
// its MSH segment. Segments may be separated by \r, \n or \r\n. Decode is
// purely syntactic and never inspects the clinical content.
func Decode(raw []byte, opts ...Option) (*Message, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	text = strings.TrimLeft(text, " \t\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 || !strings.HasPrefix(lines[0], "MSH") {
		return nil, malformed(0, "missing MSH segment")
	}

	delims, err := parseDelimiters(lines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delimiters: delims}
	msg.Segments = make([]Segment, 0, len(lines))
	msg.Segments = append(msg.Segments, parseMSH(lines[0], delims))
	for i, line := range lines[1:] {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, malformed(i+2, "%s", err.Error())
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	if o.versions != nil && !o.versions[msg.Version] {
		return nil, unsupported("HL7 version %q is not accepted", msg.Version)
	}

	return msg, nil
}

// parseMSH splits the header segment. MSH-1 is the field separator itself
// and MSH-2 holds the encoding characters, so neither is split further.
func parseMSH(line string, d Delimiters) Segment {
	seg := Segment{Name: "MSH", subSep: d.SubComponent}
	sep := string(d.Field)
	seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}, Repeats: [][]string{{sep}}})

	parts := strings.Split(line[4:], sep)
	enc := parts[0]
	seg.Fields = append(seg.Fields, Field{Value: enc, Components: []string{enc}, Repeats: [][]string{{enc}}})
	for _, part := range parts[1:] {
		seg.Fields = append(seg.Fields, parseField(part, d))
	}
	return seg
}

// parseSegment parses a single non-MSH segment line.
func parseSegment(line string, d Delimiters) (Segment, error) {
	name, rest, hasFields := strings.Cut(line, string(d.Field))
	if !validSegmentName(name) {
		return Segment{}, fmt.Errorf("invalid segment name %q", truncate(name, 16))
	}

	seg := Segment{Name: name, subSep: d.SubComponent}
	if !hasFields {
		return seg, nil
	}
	for _, f := range strings.Split(rest, string(d.Field)) {
		seg.Fields = append(seg.Fields, parseField(f, d))
	}
	return seg, nil
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return name[0] >= 'A' && name[0] <= 'Z'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := &m.Segments[0]

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}

	m.MessageType = msh.GetComponent(9, 1)
	m.TriggerEvent = msh.GetComponent(9, 2)
	m.Structure = msh.GetComponent(9, 3)
	if m.MessageType == "" {
		return malformed(1, "MSH-9 message type is missing")
	}
	if m.TriggerEvent == "" {
		return malformed(1, "MSH-9 trigger event is missing for message type %q", m.MessageType)
	}

	m.ControlID = msh.GetField(10)
	m.ProcessingID = msh.GetField(11)
	m.Version = msh.GetComponent(12, 1)

	return nil
}

// Type returns MSH-9 as "TYPE^EVENT".
func (m *Message) Type() string {
	return m.MessageType + string(m.Delimiters.Component) + m.TriggerEvent
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
// Fractional seconds and timezone offsets are ignored.
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Unescape decodes escape sequences in a value taken from this message.
func (m *Message) Unescape(s string) string {
	return m.Delimiters.Unescape(s)
}

// field returns the field at a 1-based HL7 position. For MSH, MSH-1 is
// Fields[0]; for other segments field 1 is also Fields[0] since the segment
// name is not stored as a field.
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.GetRepetition(fieldIdx, 1, compIdx)
}

// GetRepetition returns a component of the given 1-based repetition of a field.
func (s *Segment) GetRepetition(fieldIdx, repIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	ri := repIdx - 1
	if ri < 0 || ri >= len(f.Repeats) {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Repeats[ri]) {
		return ""
	}
	return f.Repeats[ri][ci]
}

// Repetitions returns how many repetitions a field carries.
func (s *Segment) Repetitions(fieldIdx int) int {
	if f := s.field(fieldIdx); f != nil && f.Value != "" {
		return len(f.Repeats)
	}
	return 0
}

// GetSubComponent returns a sub-component of the first repetition of a field.
func (s *Segment) GetSubComponent(fieldIdx, compIdx, subIdx int) string {
	comp := s.GetComponent(fieldIdx, compIdx)
	if s.subSep == 0 {
		if subIdx == 1 {
			return comp
		}
		return ""
	}
	subs := strings.Split(comp, string(s.subSep))
	si := subIdx - 1
	if si < 0 || si >= len(subs) {
		return ""
	}
	return subs[si]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return m.Unescape(pid.GetComponent(5, 1)), m.Unescape(pid.GetComponent(5, 2))
}

// DateOfBirth returns PID-7 (date of birth).
func (m *Message) DateOfBirth() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(7, 1)
}

// Gender returns PID-8 (administrative sex).
func (m *Message) Gender() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(8)
}
