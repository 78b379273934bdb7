package pagination

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit}},
		{"?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"?limit=25&page=3", Params{Limit: 25, Offset: 50}},
		{"?page=1", Params{Limit: DefaultLimit}},
		{"?limit=5000", Params{Limit: MaxLimit}},
		{"?limit=-3&offset=-7", Params{Limit: DefaultLimit}},
		{"?limit=abc&offset=xyz", Params{Limit: DefaultLimit}},
		{"?limit=10&offset=30&page=9", Params{Limit: 10, Offset: 30}},
	}
	for _, tt := range tests {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/P-2026-047/access-requests"+tt.query, nil), httptest.NewRecorder())
		if got := FromContext(c); got != tt.want {
			t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestNewResponse(t *testing.T) {
	const base = "/api/v1/patients/P-2026-047/access-requests"

	first := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2}, base)
	if first.Total != 5 || !first.HasMore || len(first.Data) != 2 {
		t.Errorf("first page: %+v", first)
	}
	if first.Links.Next != base+"?offset=2&limit=2" || first.Links.Previous != "" {
		t.Errorf("first page links: %+v", first.Links)
	}

	last := NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4}, base)
	if last.HasMore || last.Links.Next != "" || last.Links.Previous != base+"?offset=2&limit=2" {
		t.Errorf("last page: %+v", last)
	}

	empty := NewResponse[string](nil, 0, Params{Limit: 20}, base)
	if empty.Data == nil || len(empty.Data) != 0 {
		t.Error("nil data should render as an empty list")
	}
}

func TestParams_PreviousOffsetClamped(t *testing.T) {
	if got := (Params{Limit: 20, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("PreviousOffset = %d, want 0", got)
	}
	if got := (Params{Limit: 20, Offset: 45}).PreviousOffset(); got != 25 {
		t.Errorf("PreviousOffset = %d, want 25", got)
	}
}

func TestWindow(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		p    Params
		want []int
	}{
		{Params{Limit: 2}, []int{1, 2}},
		{Params{Limit: 2, Offset: 4}, []int{5}},
		{Params{Limit: 10, Offset: 1}, []int{2, 3, 4, 5}},
		{Params{Limit: 2, Offset: 5}, []int{}},
	}
	for _, tt := range tests {
		if got := Window(items, tt.p); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Window(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}
