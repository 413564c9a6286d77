package masker

import "testing"

func TestPercent(t *testing.T) {
	cases := []struct {
		loaded, total int64
		want          int
		ok            bool
	}{
		{0, 0, 0, false},
		{10, -1, 0, false},
		{0, 200, 0, true},
		{1, 200, 1, true},
		{99, 200, 50, true},
		{200, 200, 100, true},
		{250, 200, 100, true},
		{-5, 200, 0, true},
	}
	for _, tc := range cases {
		got, ok := Percent(tc.loaded, tc.total)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Percent(%d, %d) = %d, %v; want %d, %v", tc.loaded, tc.total, got, ok, tc.want, tc.ok)
		}
	}
}

func TestImageEmpty(t *testing.T) {
	var nilImage *Image
	if !nilImage.Empty() {
		t.Fatal("nil image should be empty")
	}
	if !(&Image{Name: "a.png"}).Empty() {
		t.Fatal("image without bytes should be empty")
	}
	if (&Image{Data: []byte{1}}).Empty() {
		t.Fatal("image with bytes should not be empty")
	}
}
