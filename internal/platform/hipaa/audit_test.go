package hipaa

import "testing"

func TestPHIAccessLog_Denied(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{200, false},
		{201, false},
		{401, true},
		{403, true},
		{404, false},
		{503, false},
	}
	for _, tt := range tests {
		l := &PHIAccessLog{Status: tt.status}
		if got := l.Denied(); got != tt.want {
			t.Errorf("status %d: Denied() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
