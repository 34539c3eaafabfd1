package timeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// LoadSentences reads a sentence-timing file:
//
//	{"sentences": [{"text": "Hello.", "begin_time": "0", "end_time": "1500"}]}
//
// Times are milliseconds, given as numbers or numeric strings.
func LoadSentences(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSentences(data)
}

func ParseSentences(data []byte) ([]Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("parse sentences: invalid JSON")
	}
	list := gjson.GetBytes(data, "sentences")
	if !list.IsArray() {
		return nil, errors.New("parse sentences: sentences array missing")
	}

	var (
		entries []Entry
		bad     error
		i       = -1
	)
	list.ForEach(func(_, v gjson.Result) bool {
		i++
		begin, err := millis(v.Get("begin_time"))
		if err != nil {
			bad = fmt.Errorf("parse sentences: [%d].begin_time: %w", i, err)
			return false
		}
		end, err := millis(v.Get("end_time"))
		if err != nil {
			bad = fmt.Errorf("parse sentences: [%d].end_time: %w", i, err)
			return false
		}
		if begin < 0 || end < begin {
			bad = fmt.Errorf("parse sentences: [%d] has invalid range [%d, %d]", i, begin, end)
			return false
		}
		entries = append(entries, Entry{Index: i, Text: v.Get("text").String(), BeginMs: begin, EndMs: end})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return entries, nil
}

func millis(r gjson.Result) (int64, error) {
	switch r.Type {
	case gjson.Number:
		return r.Int(), nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", r.Str)
		}
		return int64(f), nil
	default:
		return 0, errors.New("missing")
	}
}
