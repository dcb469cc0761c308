package m3u8

import (
	"strings"
	"testing"
)

func TestParseVariantName(t *testing.T) {
	cases := []struct {
		name       string
		resolution int
		fps        int
		ok         bool
	}{
		{"720p60", 720, 60, true},
		{"480p", 480, 30, true},
		{"1080p60 (source)", 1080, 60, true},
		{"160p30", 160, 30, true},
		{"audio_only", 0, 0, false},
		{"source", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		res, fps, ok := ParseVariantName(tc.name)
		if res != tc.resolution || fps != tc.fps || ok != tc.ok {
			t.Errorf("ParseVariantName(%q) = (%d, %d, %v), want (%d, %d, %v)",
				tc.name, res, fps, ok, tc.resolution, tc.fps, tc.ok)
		}
	}
}

const multivariantDoc = `#EXTM3U
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="source",AUTOSELECT=YES
https://edge.example.com/hls/chunked/index.m3u8
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="480p30",NAME="480p30",AUTOSELECT=YES
https://edge.example.com/hls/480p30/index.m3u8
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="720p60",NAME="720p60",AUTOSELECT=YES
https://edge.example.com/hls/720p60/index.m3u8
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio_only",NAME="audio_only",AUTOSELECT=NO
https://edge.example.com/hls/audio_only/index.m3u8
`

func TestParseMultivariantOrdering(t *testing.T) {
	variants, err := ParseMultivariant(strings.NewReader(multivariantDoc))
	if err != nil {
		t.Fatalf("ParseMultivariant: %v", err)
	}
	got := make([]string, 0, len(variants))
	for _, v := range variants {
		got = append(got, v.Name)
	}
	want := []string{"source", "720p60", "480p30", "audio_only"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v", i, got, want)
		}
	}
	if !strings.Contains(variants[1].URL, "720p60") {
		t.Errorf("720p60 variant carries wrong url %q", variants[1].URL)
	}
}

func TestParseMultivariantDuplicateNameLastWins(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-MEDIA:NAME="480p30"
https://edge.example.com/hls/a/index.m3u8
#EXT-X-MEDIA:NAME="480p30"
https://edge.example.com/hls/b/index.m3u8
`
	variants, err := ParseMultivariant(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMultivariant: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("got %d variants, want 1", len(variants))
	}
	if !strings.Contains(variants[0].URL, "/b/") {
		t.Errorf("duplicate name should keep last url, got %q", variants[0].URL)
	}
}

func TestParseMultivariantEmpty(t *testing.T) {
	variants, err := ParseMultivariant(strings.NewReader("#EXTM3U\n"))
	if err != nil {
		t.Fatalf("ParseMultivariant: %v", err)
	}
	if len(variants) != 0 {
		t.Fatalf("got %d variants, want 0", len(variants))
	}
}

func TestParseMedia(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MAP:URI="https://edge.example.com/hls/init.mp4"
#EXT-X-PROGRAM-DATE-TIME:2026-08-30T12:00:00.000Z
#EXTINF:2.000,
https://edge.example.com/hls/seg0.ts
#EXTINF:2.000,
https://edge.example.com/hls/seg1.ts
#EXT-X-ENDLIST
`
	pl, err := ParseMedia(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if len(pl.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(pl.Segments))
	}
	if pl.Segments[0].ProgramDateTime != "2026-08-30T12:00:00.000Z" {
		t.Errorf("first segment PDT = %q", pl.Segments[0].ProgramDateTime)
	}
	if pl.Segments[1].ProgramDateTime != "" {
		t.Errorf("second segment PDT should be empty, got %q", pl.Segments[1].ProgramDateTime)
	}
	if pl.InitSegmentURI != "https://edge.example.com/hls/init.mp4" {
		t.Errorf("init segment uri = %q", pl.InitSegmentURI)
	}
	if !pl.End {
		t.Error("End flag not set despite EXT-X-ENDLIST")
	}
}

func TestParseMediaLiveWindow(t *testing.T) {
	doc := "#EXTM3U\n#EXTINF:2.0,\nseg0.ts\n#EXTINF:2.0,\nseg1.ts\n"
	pl, err := ParseMedia(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseMedia: %v", err)
	}
	if pl.End {
		t.Error("End flag set without EXT-X-ENDLIST")
	}
	if len(pl.Segments) != 2 || pl.Segments[0].URI != "seg0.ts" {
		t.Fatalf("unexpected segments %+v", pl.Segments)
	}
}

func TestParseMediaRejectsNonPlaylist(t *testing.T) {
	if _, err := ParseMedia(strings.NewReader("<html>not found</html>")); err == nil {
		t.Fatal("expected error for non-playlist document")
	}
	if _, err := ParseMedia(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty document")
	}
}
