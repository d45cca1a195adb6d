package coordinator

import (
	"time"

	"postpilot/internal/engine"
	"postpilot/internal/engine/slots"
)

// Metadata values round-trip through JSON persistence, so numbers may come
// back as float64 and every read has to tolerate both shapes.

func metaInt(j *engine.Job, key string) int {
	if j == nil || j.Metadata == nil {
		return 0
	}
	switch v := j.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metaString(j *engine.Job, key string) string {
	if j == nil || j.Metadata == nil {
		return ""
	}
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func metaBool(j *engine.Job, key string, def bool) bool {
	if j == nil || j.Metadata == nil {
		return def
	}
	if v, ok := j.Metadata[key].(bool); ok {
		return v
	}
	return def
}

// slotFromMeta rebuilds the committed slot an optimizer job was scheduled
// into, for re-pinning after a restart.
func slotFromMeta(j *engine.Job) (slots.TimeSlot, bool) {
	startStr := metaString(j, engine.MetaSlotStart)
	endStr := metaString(j, engine.MetaSlotEnd)
	if startStr == "" || endStr == "" {
		return slots.TimeSlot{}, false
	}
	start, err := time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return slots.TimeSlot{}, false
	}
	end, err := time.Parse(time.RFC3339Nano, endStr)
	if err != nil {
		return slots.TimeSlot{}, false
	}
	if !start.Before(end) {
		return slots.TimeSlot{}, false
	}
	return slots.TimeSlot{
		Start:    start,
		End:      end,
		Platform: j.Platform,
		Score:    0,
	}, true
}
