package hl7v2

import (
	"errors"
	"strings"
	"testing"
)

// =========== Sample Messages ===========

const sampleADT = "MSH|^~\\&|SendingApp|SendingFac|ReceivingApp|ReceivingFac|20240115143025||ADT^A01|MSG00001|P|2.5.1\rEVN|A01|20240115143025\rPID|1||MRN12345^^^MRNAuth||Doe^John^A||19800515|M|||123 Main St^^Springfield^IL^62701||555-555-1234\rPV1|1|I|ICU^101^A||||1234^Smith^Robert|||MED||||||||I|VN12345"

const sampleORU = "MSH|^~\\&|LabSystem|LabFac|EHR|EHRFac|20240115150000||ORU^R01^ORU_R01|MSG00002|P|2.5.1\rPID|1||MRN12345^^^MRNAuth||Doe^John||19800515|M\rOBR|1|ORD001|LAB001|85025^CBC^LN|||20240115140000\rOBX|1|NM|718-7^Hemoglobin^LN||13.5|g/dL|12.0-17.5|N|||F\rOBX|2|NM|4544-3^Hematocrit^LN||40.1|%|36.0-53.0|N|||F"

// Same structure as a normal message but with every delimiter swapped out.
const sampleCustomDelims = "MSH#$*@%#LAB#FAC#EHR#FAC#20240115##ORU$R01#CTRL1#P#2.5\rPID#1##ID1$$$AUTH*ID2##Smith$Jane"

// =========== Decode Tests ===========

func TestDecode_ADT_A01(t *testing.T) {
	msg, err := Decode([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.MessageType != "ADT" {
		t.Errorf("expected MessageType 'ADT', got %q", msg.MessageType)
	}
	if msg.TriggerEvent != "A01" {
		t.Errorf("expected TriggerEvent 'A01', got %q", msg.TriggerEvent)
	}
	if msg.Type() != "ADT^A01" {
		t.Errorf("expected Type() 'ADT^A01', got %q", msg.Type())
	}
	if msg.ControlID != "MSG00001" {
		t.Errorf("expected ControlID 'MSG00001', got %q", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected Version '2.5.1', got %q", msg.Version)
	}
	if msg.SendingApp != "SendingApp" {
		t.Errorf("expected SendingApp 'SendingApp', got %q", msg.SendingApp)
	}
	if msg.ReceivingFac != "ReceivingFac" {
		t.Errorf("expected ReceivingFac 'ReceivingFac', got %q", msg.ReceivingFac)
	}
	if msg.Timestamp.Year() != 2024 || msg.Timestamp.Month() != 1 || msg.Timestamp.Day() != 15 {
		t.Errorf("unexpected timestamp: %v", msg.Timestamp)
	}
	if msg.Delimiters != DefaultDelimiters {
		t.Errorf("expected default delimiters, got %+v", msg.Delimiters)
	}
}

func TestDecode_PID_Segment(t *testing.T) {
	msg, err := Decode([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := msg.PatientID(); got != "MRN12345" {
		t.Errorf("expected PatientID 'MRN12345', got %q", got)
	}
	family, given := msg.PatientName()
	if family != "Doe" || given != "John" {
		t.Errorf("expected Doe/John, got %q/%q", family, given)
	}
	if got := msg.DateOfBirth(); got != "19800515" {
		t.Errorf("expected DOB '19800515', got %q", got)
	}
	if got := msg.Gender(); got != "M" {
		t.Errorf("expected Gender 'M', got %q", got)
	}
}

func TestDecode_MultipleSegments(t *testing.T) {
	msg, err := Decode([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := []string{"MSH", "EVN", "PID", "PV1"}
	if len(msg.Segments) != len(names) {
		t.Fatalf("expected %d segments, got %d", len(names), len(msg.Segments))
	}
	for i, name := range names {
		if msg.Segments[i].Name != name {
			t.Errorf("expected segment %d to be %q, got %q", i, name, msg.Segments[i].Name)
		}
	}
}

func TestDecode_ORU_Structure(t *testing.T) {
	msg, err := Decode([]byte(sampleORU))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Structure != "ORU_R01" {
		t.Errorf("expected Structure 'ORU_R01', got %q", msg.Structure)
	}

	obx := msg.GetSegments("OBX")
	if len(obx) != 2 {
		t.Fatalf("expected 2 OBX segments, got %d", len(obx))
	}
	if got := obx[1].GetComponent(3, 2); got != "Hematocrit" {
		t.Errorf("expected 'Hematocrit', got %q", got)
	}
	if got := obx[0].GetField(5); got != "13.5" {
		t.Errorf("expected '13.5', got %q", got)
	}
}

func TestDecode_CustomDelimiters(t *testing.T) {
	msg, err := Decode([]byte(sampleCustomDelims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Delimiters{Field: '#', Component: '$', Repetition: '*', EscapeChar: '@', SubComponent: '%'}
	if msg.Delimiters != want {
		t.Errorf("expected %+v, got %+v", want, msg.Delimiters)
	}
	if msg.MessageType != "ORU" || msg.TriggerEvent != "R01" {
		t.Errorf("expected ORU/R01, got %q/%q", msg.MessageType, msg.TriggerEvent)
	}
	if msg.Type() != "ORU$R01" {
		t.Errorf("expected Type() 'ORU$R01', got %q", msg.Type())
	}

	pid := msg.GetSegment("PID")
	if pid == nil {
		t.Fatal("expected PID segment")
	}
	if got := pid.GetComponent(3, 4); got != "AUTH" {
		t.Errorf("expected PID-3.4 'AUTH', got %q", got)
	}
	if got := pid.GetRepetition(3, 2, 1); got != "ID2" {
		t.Errorf("expected second PID-3 repetition 'ID2', got %q", got)
	}
	if got := pid.Repetitions(3); got != 2 {
		t.Errorf("expected 2 repetitions, got %d", got)
	}
	family, given := msg.PatientName()
	if family != "Smith" || given != "Jane" {
		t.Errorf("expected Smith/Jane, got %q/%q", family, given)
	}
}

func TestDecode_TruncationCharacter(t *testing.T) {
	raw := "MSH|^~\\&#|A|B|C|D|20240101||ADT^A08|1|P|2.7"
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Delimiters.Truncation != '#' {
		t.Errorf("expected truncation '#', got %q", msg.Delimiters.Truncation)
	}
	if msg.Delimiters.EncodingCharacters() != "^~\\&#" {
		t.Errorf("unexpected encoding characters %q", msg.Delimiters.EncodingCharacters())
	}
}

func TestDecode_SubComponents(t *testing.T) {
	raw := "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5\rPID|1||123&ISO^^^HOSP"
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := msg.GetSegment("PID")
	if got := pid.GetSubComponent(3, 1, 2); got != "ISO" {
		t.Errorf("expected 'ISO', got %q", got)
	}
	if got := pid.GetSubComponent(3, 1, 3); got != "" {
		t.Errorf("expected empty sub-component, got %q", got)
	}
}

func TestDecode_LineEndings(t *testing.T) {
	for name, sep := range map[string]string{"cr": "\r", "lf": "\n", "crlf": "\r\n"} {
		t.Run(name, func(t *testing.T) {
			raw := strings.ReplaceAll(sampleADT, "\r", sep) + sep
			msg, err := Decode([]byte(raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msg.Segments) != 4 {
				t.Errorf("expected 4 segments, got %d", len(msg.Segments))
			}
		})
	}
}

// =========== Decode Failures ===========

func TestDecode_Empty(t *testing.T) {
	_, err := Decode(nil)
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecode_NotHL7(t *testing.T) {
	_, err := Decode([]byte("NOT-HL7-AT-ALL"))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if !strings.Contains(err.Error(), "MSH") {
		t.Errorf("expected error to mention MSH, got %q", err.Error())
	}
}

func TestDecode_NoMSH(t *testing.T) {
	_, err := Decode([]byte("PID|1||MRN12345\rPV1|1|I"))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDecode_UnsupportedEncoding(t *testing.T) {
	cases := map[string]string{
		"no field separator":   "MSH",
		"short MSH-2":          "MSH|^~|A|B|C|D|20240101||ADT^A01|1|P|2.5",
		"long MSH-2":           "MSH|^~\\&#!|A|B|C|D|20240101||ADT^A01|1|P|2.5",
		"duplicate delimiter":  "MSH|^^\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5",
		"alphanumeric":         "MSH|A~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5",
		"clashes with field":   "MSH|^|\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5",
		"whitespace separator": "MSH ^~\\& A B C D 20240101  ADT^A01 1 P 2.5",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			if !errors.Is(err, ErrUnsupportedEncoding) {
				t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
			}
			if errors.Is(err, ErrMalformedMessage) {
				t.Error("error must not match both kinds")
			}
		})
	}
}

func TestDecode_MissingTriggerEvent(t *testing.T) {
	_, err := Decode([]byte("MSH|^~\\&|A|B|C|D|20240101||ADT|1|P|2.5"))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
	if !strings.Contains(err.Error(), "trigger event") {
		t.Errorf("unexpected error text %q", err.Error())
	}
}

func TestDecode_InvalidSegmentName(t *testing.T) {
	_, err := Decode([]byte("MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5\rPI|1"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if de.Kind != KindMalformedMessage {
		t.Errorf("expected MalformedMessage, got %s", de.Kind)
	}
	if de.Segment != 2 {
		t.Errorf("expected segment 2, got %d", de.Segment)
	}
}

func TestDecode_AllowedVersions(t *testing.T) {
	if _, err := Decode([]byte(sampleADT), WithAllowedVersions("2.5.1", "2.3")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := Decode([]byte(sampleADT), WithAllowedVersions("2.3"))
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
	}
}

// =========== Round Trip & Escaping ===========

func TestSerialize_RoundTrip(t *testing.T) {
	for _, raw := range []string{sampleADT, sampleORU, sampleCustomDelims} {
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := string(Serialize(msg)); got != raw {
			t.Errorf("round trip mismatch:\n got %q\nwant %q", got, raw)
		}

		again, err := Decode(Serialize(msg))
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if again.Type() != msg.Type() || len(again.Segments) != len(msg.Segments) {
			t.Errorf("re-decoded message differs: %s/%d vs %s/%d",
				again.Type(), len(again.Segments), msg.Type(), len(msg.Segments))
		}
	}
}

func TestDelimiters_Unescape(t *testing.T) {
	d := DefaultDelimiters
	got := d.Unescape(`a\F\b\S\c\T\d\R\e\E\f`)
	if got != `a|b^c&d~e\f` {
		t.Errorf("unexpected unescape result %q", got)
	}
	if got := d.Unescape(`keep \H\ as is`); got != `keep \H\ as is` {
		t.Errorf("unknown sequence should be left intact, got %q", got)
	}
	if got := d.Escape(`a|b^c&d~e\f`); got != `a\F\b\S\c\T\d\R\e\E\f` {
		t.Errorf("unexpected escape result %q", got)
	}
}

// =========== ACK Tests ===========

func TestGenerateACK(t *testing.T) {
	msg, err := Decode([]byte(sampleADT))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ack := GenerateACK(msg, AckError, "bad | value")
	raw := Serialize(ack)
	if !strings.Contains(string(raw), "MSA|AE|MSG00001|bad \\F\\ value") {
		t.Errorf("unexpected MSA segment in %q", raw)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("ack did not decode: %v", err)
	}
	if decoded.MessageType != "ACK" || decoded.TriggerEvent != "A01" {
		t.Errorf("expected ACK^A01, got %s", decoded.Type())
	}
	if decoded.SendingApp != "ReceivingApp" || decoded.ReceivingApp != "SendingApp" {
		t.Errorf("expected swapped applications, got %q -> %q", decoded.SendingApp, decoded.ReceivingApp)
	}
	if decoded.Version != "2.5.1" {
		t.Errorf("expected version 2.5.1, got %q", decoded.Version)
	}
	msa := decoded.GetSegment("MSA")
	if got := decoded.Unescape(msa.GetField(3)); got != "bad | value" {
		t.Errorf("expected MSA-3 'bad | value', got %q", got)
	}
}

func TestGenerateACK_CustomDelimiters(t *testing.T) {
	msg, err := Decode([]byte(sampleCustomDelims))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw := string(Serialize(GenerateACK(msg, AckAccept, "")))
	if !strings.HasPrefix(raw, "MSH#$*@%#EHR#FAC#LAB#FAC#") {
		t.Errorf("ack should reuse the incoming delimiters, got %q", raw)
	}
	if !strings.Contains(raw, "ACK$R01") {
		t.Errorf("expected ACK$R01 in %q", raw)
	}
}
