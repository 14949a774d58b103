package media

import "testing"

func TestReencodeJPEG(t *testing.T) {
	src := makeJPEG(t, 48, 48, 95)

	out, err := reencodeJPEG(src, 20)
	if err != nil {
		t.Fatalf("reencode: %v", err)
	}
	img, err := DecodeJPEG(out)
	if err != nil {
		t.Fatalf("decode reencoded: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 48 || b.Dy() != 48 {
		t.Fatalf("dimensions changed: %v", b)
	}
	if len(out) >= len(src) {
		t.Fatalf("quality 20 output (%d bytes) not smaller than quality 95 source (%d bytes)", len(out), len(src))
	}
}

func TestReencodeJPEG_BadInput(t *testing.T) {
	if _, err := reencodeJPEG([]byte("not a jpeg"), 50); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestClampQuality(t *testing.T) {
	cases := map[int]int{-5: 1, 0: 1, 1: 1, 50: 50, 100: 100, 101: 100}
	for in, want := range cases {
		if got := clampQuality(in); got != want {
			t.Fatalf("clampQuality(%d) = %d, want %d", in, got, want)
		}
	}
}
