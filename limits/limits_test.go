package limits

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		maxSize int
		wantErr error
	}{
		{"empty message", []byte{}, 100, ErrMessageEmpty},
		{"nil message", nil, 100, ErrMessageEmpty},
		{"within limit", []byte("hello"), 100, nil},
		{"at limit", bytes.Repeat([]byte{'a'}, 100), 100, nil},
		{"over limit", bytes.Repeat([]byte{'a'}, 101), 100, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.maxSize)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateMessageSize() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatagram(t *testing.T) {
	if err := ValidateDatagram(make([]byte, MaxDatagramSize)); err != nil {
		t.Errorf("datagram at limit rejected: %v", err)
	}
	if err := ValidateDatagram(make([]byte, MaxDatagramSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized datagram error = %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateDatagram(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty datagram error = %v, want ErrMessageEmpty", err)
	}
}

func TestValidateValue(t *testing.T) {
	if err := ValidateValue(nil); err != nil {
		t.Errorf("empty value rejected: %v", err)
	}
	if err := ValidateValue(make([]byte, MaxValueSize)); err != nil {
		t.Errorf("value at limit rejected: %v", err)
	}
	err := ValidateValue(make([]byte, MaxValueSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized value error = %v, want ErrMessageTooLarge", err)
	}
}

// TestMaxValueFitsDatagram verifies that a base64 encoded maximum value plus
// the reserved overhead never exceeds one datagram.
func TestMaxValueFitsDatagram(t *testing.T) {
	encoded := (MaxValueSize + 2) / 3 * 4
	if encoded+EnvelopeOverhead > MaxDatagramSize {
		t.Errorf("encoded max value %d + overhead %d exceeds datagram size %d",
			encoded, EnvelopeOverhead, MaxDatagramSize)
	}
}

func TestValidateNetworkID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"empty", "", false},
		{"plain", "kaddht", false},
		{"punctuation", "test-net_1.local:v2", false},
		{"at limit", strings.Repeat("n", MaxNetworkIDLength), false},
		{"over limit", strings.Repeat("n", MaxNetworkIDLength+1), true},
		{"json escaped", "a<b", true},
		{"ampersand", "a&b", true},
		{"space", "a b", true},
		{"non ascii", "n\u00e9t", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNetworkID(tt.id)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("ValidateNetworkID(%q) unexpected error: %v", tt.id, err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidNetworkID) {
				t.Errorf("ValidateNetworkID(%q) error = %v, want ErrInvalidNetworkID", tt.id, err)
			}
		})
	}
}

// TestWorstCaseNetworkIDFitsOverhead checks that the longest permitted
// namespace, which JSON carries unescaped, stays inside the reserved overhead.
func TestWorstCaseNetworkIDFitsOverhead(t *testing.T) {
	id := strings.Repeat("-", MaxNetworkIDLength)
	encoded, err := json.Marshal(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) != MaxNetworkIDLength+2 {
		t.Errorf("encoded network id is %d bytes, want %d", len(encoded), MaxNetworkIDLength+2)
	}
}
