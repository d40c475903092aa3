package fallback

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"pii-scanner/internal/entity"
)

// parseReply turns the model's textual reply into candidates. An empty reply
// is zero entities; a reply that is not a JSON object is a protocol failure.
// Malformed records are skipped and counted in dropped. Spans running past
// the end of the text are kept; the anonymizer clamps them.
func parseReply(reply string) (out []entity.Candidate, dropped int, err error) {
	raw := strings.TrimSpace(reply)
	if raw == "" {
		return nil, 0, nil
	}
	if !gjson.Valid(raw) {
		return nil, 0, ErrInvalidUpstreamResponse
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return nil, 0, fmt.Errorf("%w: top level is not an object", ErrInvalidUpstreamResponse)
	}

	records := root.Get("entities")
	if !records.IsArray() {
		return nil, 0, nil
	}
	records.ForEach(func(_, rec gjson.Result) bool {
		if c, ok := coerceRecord(rec); ok {
			out = append(out, c)
		} else {
			dropped++
		}
		return true
	})
	return out, dropped, nil
}

func coerceRecord(rec gjson.Result) (entity.Candidate, bool) {
	if !rec.IsObject() {
		return entity.Candidate{}, false
	}
	typ, ok1 := asString(rec.Get("type"))
	text, ok2 := asString(rec.Get("text"))
	start, ok3 := asInt(rec.Get("start"))
	end, ok4 := asInt(rec.Get("end"))
	score, ok5 := asFloat(rec.Get("score"))
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return entity.Candidate{}, false
	}
	typ = strings.TrimSpace(typ)
	switch {
	case typ == "":
		return entity.Candidate{}, false
	case score < 0 || score > 1:
		return entity.Candidate{}, false
	case start < 0 || end < start:
		return entity.Candidate{}, false
	}
	return entity.Candidate{
		Type:        typ,
		Score:       score,
		Start:       start,
		End:         end,
		Text:        text,
		Source:      entity.SourceLLM,
		Explanation: fmt.Sprintf("LLM fallback predicted %s with confidence %.2f.", typ, score),
	}, true
}

func asString(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		return v.Str, true
	case gjson.Number:
		return v.Raw, true
	}
	return "", false
}

// asInt accepts integers, floats (truncated toward zero) and integer strings.
func asInt(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) || math.Abs(v.Num) > math.MaxInt32 {
			return 0, false
		}
		return int(v.Num), true
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.Str))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func asFloat(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Num
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
