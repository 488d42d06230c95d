package codec

import (
	"net"
	"testing"
)

type testBody struct {
	Value string
}

func testCodecRoundTrip(t *testing.T, newCodec NewCodecFunc) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverCodec := newCodec(serverConn)
	clientCodec := newCodec(clientConn)

	sentHeader := &Header{ServiceMethod: "Svc.Method", Seq: 7}
	sentBody := &testBody{Value: "hello over the wire"}

	done := make(chan error, 1)
	go func() {
		done <- serverCodec.Write(sentHeader, sentBody)
	}()

	var gotHeader Header
	if err := clientCodec.ReadHeader(&gotHeader); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var gotBody testBody
	if err := clientCodec.ReadBody(&gotBody); err != nil {
		t.Fatalf("ReadBody: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}

	if gotHeader != *sentHeader {
		t.Fatalf("header mismatch: got %+v want %+v", gotHeader, *sentHeader)
	}
	if gotBody != *sentBody {
		t.Fatalf("body mismatch: got %+v want %+v", gotBody, *sentBody)
	}
}

func TestGobCodecRoundTrip(t *testing.T) {
	testCodecRoundTrip(t, NewGobCodec)
}

func TestJsonCodecRoundTrip(t *testing.T) {
	testCodecRoundTrip(t, NewJsonCodec)
}

func TestNewCodecFuncMapRegistersBothTypes(t *testing.T) {
	if NewCodecFuncMap[GobType] == nil {
		t.Fatalf("expected GobType registered")
	}
	if NewCodecFuncMap[JsonType] == nil {
		t.Fatalf("expected JsonType registered")
	}
}
