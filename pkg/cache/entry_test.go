package cache

import (
	"net/http"
	"reflect"
	"testing"
	"time"
)

func TestEntry_IsExpired(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Time
		want bool
	}{
		{
			name: "expired entry",
			ttl:  time.Now().Add(-1 * time.Hour),
			want: true,
		},
		{
			name: "valid entry",
			ttl:  time.Now().Add(1 * time.Hour),
			want: false,
		},
		{
			name: "zero ttl",
			ttl:  time.Time{},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{TTL: tt.ttl}
			if got := entry.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_RefreshNeeded(t *testing.T) {
	tests := []struct {
		name    string
		softTTL time.Time
		want    bool
	}{
		{"soft ttl in past", time.Now().Add(-time.Minute), true},
		{"soft ttl in future", time.Now().Add(time.Minute), false},
		{"zero soft ttl", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{SoftTTL: tt.softTTL, TTL: time.Now().Add(time.Hour)}
			if got := entry.RefreshNeeded(); got != tt.want {
				t.Errorf("RefreshNeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_ExpiresIn(t *testing.T) {
	tests := []struct {
		name    string
		ttl     time.Time
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "one hour remaining",
			ttl:     time.Now().Add(1 * time.Hour),
			wantMin: 59 * time.Minute,
			wantMax: 61 * time.Minute,
		},
		{
			name:    "already expired",
			ttl:     time.Now().Add(-1 * time.Hour),
			wantMin: 0,
			wantMax: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{TTL: tt.ttl}
			got := entry.ExpiresIn()
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("ExpiresIn() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestEntry_Clone(t *testing.T) {
	orig := &Entry{
		Data:               []byte("payload"),
		ResponseHeaders:    map[string]string{"Content-Type": "text/plain"},
		AllResponseHeaders: []Header{{Name: "Content-Type", Value: "text/plain"}},
	}

	c := orig.Clone()
	c.Data[0] = 'X'
	c.ResponseHeaders["Content-Type"] = "application/json"
	c.AllResponseHeaders[0].Value = "application/json"

	if string(orig.Data) != "payload" {
		t.Errorf("original data mutated: %q", orig.Data)
	}
	if orig.ResponseHeaders["Content-Type"] != "text/plain" {
		t.Error("original headers mutated")
	}
	if orig.AllResponseHeaders[0].Value != "text/plain" {
		t.Error("original ordered headers mutated")
	}

	var nilEntry *Entry
	if nilEntry.Clone() != nil {
		t.Error("Clone of nil entry should be nil")
	}
}

func TestEntry_HTTPHeader(t *testing.T) {
	entry := &Entry{
		ResponseHeaders: map[string]string{"Set-Cookie": "b=2"},
		AllResponseHeaders: []Header{
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
		},
	}

	h := entry.HTTPHeader()
	if got := h.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie values = %v, want 2 values", got)
	}

	entry.AllResponseHeaders = nil
	h = entry.HTTPHeader()
	if got := h.Get("set-cookie"); got != "b=2" {
		t.Errorf("Set-Cookie = %q, want %q", got, "b=2")
	}
}

func TestHeadersFromHTTP(t *testing.T) {
	h := http.Header{}
	h.Add("content-type", "text/html")

	flat, all := HeadersFromHTTP(h)
	if flat["Content-Type"] != "text/html" {
		t.Errorf("flat = %v", flat)
	}
	if len(all) != 1 || all[0].Name != "Content-Type" {
		t.Errorf("all = %v", all)
	}
}

func TestHeadersFromHTTP_SortedByName(t *testing.T) {
	h := http.Header{}
	h.Add("X-Trace", "t")
	h.Add("Set-Cookie", "a=1")
	h.Add("Cache-Control", "max-age=60")
	h.Add("Set-Cookie", "b=2")
	h.Add("Age", "3")

	want := []Header{
		{Name: "Age", Value: "3"},
		{Name: "Cache-Control", Value: "max-age=60"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "X-Trace", Value: "t"},
	}

	// map iteration order varies, so check several times
	for i := 0; i < 20; i++ {
		flat, all := HeadersFromHTTP(h)
		if !reflect.DeepEqual(all, want) {
			t.Fatalf("all = %v, want %v", all, want)
		}
		if flat["Set-Cookie"] != "b=2" {
			t.Errorf("flat Set-Cookie = %q, want last value", flat["Set-Cookie"])
		}
	}
}
