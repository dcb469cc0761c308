// Package m3u8 parses the two playlist documents the recorder deals with:
// a multivariant playlist listing named renditions, and a media playlist
// listing an ordered window of segment URIs.
package m3u8

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Variant is one quality rendition of a live stream.
type Variant struct {
	Name string
	URL  string
}

// Segment is a single media segment reference. ProgramDateTime is the
// absolute wall-clock timestamp from EXT-X-PROGRAM-DATE-TIME, empty when the
// playlist does not carry one.
type Segment struct {
	URI             string
	ProgramDateTime string
}

// MediaPlaylist is the parsed form of a media playlist document.
type MediaPlaylist struct {
	Segments       []Segment
	InitSegmentURI string
	End            bool
}

var (
	nameRe   = regexp.MustCompile(`NAME="(.+?)"`)
	urlRe    = regexp.MustCompile(`https://\S*\.m3u8\S*`)
	mapURIRe = regexp.MustCompile(`URI="(.+?)"`)
)

// ParseVariantName splits a rendition name like "720p60" into resolution and
// frame rate. A missing or unparsable fps defaults to 30. ok is false when no
// leading resolution digits exist (e.g. "audio_only", "source").
func ParseVariantName(name string) (resolution, fps int, ok bool) {
	res, rest, _ := strings.Cut(name, "p")
	resolution, ok = leadingInt(res)
	if !ok {
		return 0, 0, false
	}
	fps, fok := leadingInt(rest)
	if !fok {
		fps = 30
	}
	return resolution, fps, true
}

func leadingInt(s string) (int, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseMultivariant scans a multivariant playlist for (name, url) pairs and
// returns them sorted: "source" first, then descending resolution, then
// descending frame rate. Duplicate rendition names are collapsed so that the
// last occurrence wins, keeping the position of the first.
func ParseMultivariant(r io.Reader) ([]Variant, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc := string(data)
	var names []string
	for _, m := range nameRe.FindAllStringSubmatch(doc, -1) {
		names = append(names, m[1])
	}
	urls := urlRe.FindAllString(doc, -1)
	n := len(names)
	if len(urls) < n {
		n = len(urls)
	}
	variants := make([]Variant, 0, n)
	for i := 0; i < n; i++ {
		variants = append(variants, Variant{Name: names[i], URL: urls[i]})
	}
	sort.SliceStable(variants, func(i, j int) bool {
		_, fi, _ := ParseVariantName(variants[i].Name)
		_, fj, _ := ParseVariantName(variants[j].Name)
		return fi > fj
	})
	sort.SliceStable(variants, func(i, j int) bool {
		ri, _, _ := ParseVariantName(variants[i].Name)
		rj, _, _ := ParseVariantName(variants[j].Name)
		return ri > rj
	})
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Name == "source" && variants[j].Name != "source"
	})
	// Last duplicate wins but keeps the first occurrence's slot.
	seen := make(map[string]int, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if idx, ok := seen[v.Name]; ok {
			out[idx] = v
			continue
		}
		seen[v.Name] = len(out)
		out = append(out, v)
	}
	return out, nil
}

// ParseMedia parses a media playlist into its ordered segment list, optional
// initialization segment URI, and end-of-stream flag.
func ParseMedia(r io.Reader) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	pl := &MediaPlaylist{}
	first := true
	var pendingPDT string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, fmt.Errorf("m3u8: not a playlist document")
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			pendingPDT = strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:")
		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			if m := mapURIRe.FindStringSubmatch(line); m != nil {
				pl.InitSegmentURI = m[1]
			}
		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			pl.End = true
		case strings.HasPrefix(line, "#"):
			// other tags carry nothing we need
		default:
			pl.Segments = append(pl.Segments, Segment{URI: line, ProgramDateTime: pendingPDT})
			pendingPDT = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("m3u8: empty document")
	}
	return pl, nil
}
