package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Acknowledgment codes carried in MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// GenerateACK builds an acknowledgment for incoming using the incoming
// message's own delimiters. text, when not empty, is placed in MSA-3.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	d := incoming.Delimiters
	if d.Field == 0 {
		d = DefaultDelimiters
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("ACK%s", now.Format("20060102150405.000"))

	ack := &Message{
		MessageType:  "ACK",
		TriggerEvent: incoming.TriggerEvent,
		ControlID:    controlID,
		ProcessingID: incoming.ProcessingID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Delimiters:   d,
	}
	if ack.ProcessingID == "" {
		ack.ProcessingID = "P"
	}

	msgType := "ACK" + string(d.Component) + incoming.TriggerEvent
	msh := Segment{
		Name:   "MSH",
		subSep: d.SubComponent,
		Fields: []Field{
			simpleField(string(d.Field)),        // MSH-1
			simpleField(d.EncodingCharacters()), // MSH-2
			simpleField(ack.SendingApp),         // MSH-3
			simpleField(ack.SendingFac),         // MSH-4
			simpleField(ack.ReceivingApp),       // MSH-5
			simpleField(ack.ReceivingFac),       // MSH-6
			simpleField(timestamp),              // MSH-7
			simpleField(""),                     // MSH-8
			parseField(msgType, d),              // MSH-9
			simpleField(controlID),              // MSH-10
			simpleField(ack.ProcessingID),       // MSH-11
			simpleField(incoming.Version),       // MSH-12
		},
	}

	msaFields := []Field{
		simpleField(ackCode),
		simpleField(incoming.ControlID),
	}
	if text != "" {
		msaFields = append(msaFields, simpleField(d.Escape(text)))
	}
	msa := Segment{Name: "MSA", subSep: d.SubComponent, Fields: msaFields}

	ack.Segments = []Segment{msh, msa}
	return ack
}

func simpleField(v string) Field {
	return Field{Value: v, Components: []string{v}, Repeats: [][]string{{v}}}
}

// Serialize converts a Message back into ER7 text with \r segment
// terminators, using the message's own field separator.
func Serialize(msg *Message) []byte {
	sep := string(msg.Delimiters.Field)
	if msg.Delimiters.Field == 0 {
		sep = string(DefaultDelimiters.Field)
	}

	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg, sep))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment converts a Segment back into its ER7 string form.
func serializeSegment(seg Segment, sep string) string {
	if seg.Name == "MSH" {
		// Fields[0] is MSH-1, which is the separator that follows the name.
		if len(seg.Fields) < 2 {
			return "MSH" + sep
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH" + sep + strings.Join(parts, sep)
	}

	if len(seg.Fields) == 0 {
		return seg.Name
	}
	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + sep + strings.Join(parts, sep)
}
