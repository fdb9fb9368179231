package model

import (
	"slices"
	"testing"
)

func TestListOptions_Clamp(t *testing.T) {
	tests := []struct {
		name       string
		input      ListOptions
		wantLimit  int
		wantOffset int
	}{
		{"defaults", ListOptions{Limit: 0, Offset: 0}, 20, 0},
		{"negative limit", ListOptions{Limit: -5, Offset: 0}, 20, 0},
		{"over max", ListOptions{Limit: 2000, Offset: 0}, 500, 0},
		{"negative offset", ListOptions{Limit: 10, Offset: -3}, 10, 0},
		{"valid", ListOptions{Limit: 50, Offset: 10}, 50, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Clamp()
			if tt.input.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", tt.input.Limit, tt.wantLimit)
			}
			if tt.input.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", tt.input.Offset, tt.wantOffset)
			}
		})
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		name    string
		opts    ListOptions
		want    []int
		hasMore bool
	}{
		{"first page", ListOptions{Limit: 2}, []int{1, 2}, true},
		{"last page", ListOptions{Limit: 2, Offset: 4}, []int{5}, false},
		{"past the end", ListOptions{Limit: 2, Offset: 9}, []int{}, false},
		{"everything", ListOptions{}, items, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, p := Page(items, tt.opts)
			if !slices.Equal(got, tt.want) {
				t.Errorf("items = %v, want %v", got, tt.want)
			}
			if p.Total != 5 || p.HasMore != tt.hasMore {
				t.Errorf("pagination = %+v", p)
			}
		})
	}
}

func TestSnapshotTotalSwitches(t *testing.T) {
	s := Snapshot{CPUs: []CPUStat{{Switches: 3}, {Switches: 4}}}
	if got := s.TotalSwitches(); got != 7 {
		t.Errorf("TotalSwitches = %d, want 7", got)
	}
}
