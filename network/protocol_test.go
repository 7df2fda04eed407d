package network

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRequestDecode(t *testing.T) {
	empty := ""
	bad := "0g"
	tests := []struct {
		name    string
		req     Request
		want    int
		wantErr bool
	}{
		{"single", *NewRequest("a", []byte("abc")), 1, false},
		{"empty message", Request{Input: &empty}, 1, false},
		{"batch", *NewBatchRequest("b", [][]byte{{1}, {}, {3}}), 3, false},
		{"no input", Request{}, 0, true},
		{"bad hex", Request{Input: &bad}, 0, true},
		{"bad batch hex", Request{Inputs: []string{"00", "x"}}, 0, true},
		{"both forms", Request{Input: &empty, Inputs: []string{"00"}}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Expected %d inputs, got %d", tt.want, len(got))
			}
		})
	}
}

func TestResponseJSON(t *testing.T) {
	data := []byte(`{"id":"r1","hash":"` +
		"639183aae1bf4c9a35884cb46b09cad9175f04efd7684e7262a0ac1c2f0b4e3f" + `"}`)
	resp, err := decodeResponse(data)
	if err != nil {
		t.Fatalf("decodeResponse failed: %v", err)
	}
	if resp.Hash == nil || resp.Hash[0] != 0x63 || resp.Hash[31] != 0x3f {
		t.Fatalf("Unexpected hash %v", resp.Hash)
	}

	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != string(data) {
		t.Errorf("Expected %s, got %s", data, out)
	}
}

func TestReplayCache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newReplayCache(time.Minute)
	c.now = func() time.Time { return now }

	if !c.check("a") {
		t.Fatal("First use should pass")
	}
	if c.check("a") {
		t.Fatal("Reuse inside the window should fail")
	}
	if !c.check("") {
		t.Fatal("Empty ids are not tracked")
	}

	now = now.Add(2 * time.Minute)
	c.clean()
	if c.size() != 0 {
		t.Errorf("Expected empty cache after clean, got %d", c.size())
	}
	if !c.check("a") {
		t.Error("Id should be usable after the window")
	}

	disabled := newReplayCache(0)
	if !disabled.check("x") || !disabled.check("x") {
		t.Error("Zero window disables replay checks")
	}
}

// FuzzDecodeRequest tests request parsing with random inputs.
// Run with: go test -fuzz=FuzzDecodeRequest -fuzztime=30s ./network/
func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte(`{"id":"1","input":"00ff"}`))
	f.Add([]byte(`{"id":"2","inputs":["", "aa"]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"input":null,"inputs":[]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := decodeRequest(data)
		if err != nil {
			return
		}
		inputs, err := req.Decode()
		if err == nil && len(inputs) == 0 {
			t.Fatal("Decode returned no inputs without an error")
		}
	})
}
