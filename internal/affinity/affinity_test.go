package affinity

import (
	"reflect"
	"testing"
)

func TestParseCPUList(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0", []int{0}},
		{"0,2,4", []int{0, 2, 4}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-1,4,6-7", []int{0, 1, 4, 6, 7}},
	}
	for _, c := range cases {
		got, err := parseCPUList(c.in)
		if err != nil {
			t.Fatalf("parseCPUList(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("parseCPUList(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseCPUListInvalid(t *testing.T) {
	if _, err := parseCPUList("a-b"); err == nil {
		t.Fatalf("expected error for non-numeric range")
	}
	if _, err := parseCPUList("x"); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestContains(t *testing.T) {
	if !contains([]int{0, 1, 2}, 1) {
		t.Fatalf("expected contains to find 1")
	}
	if contains([]int{0, 1, 2}, 9) {
		t.Fatalf("expected contains to not find 9")
	}
}
