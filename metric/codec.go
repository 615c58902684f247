package metric

import (
	"fmt"
	"strconv"
	"time"
)

// DecodeError reports a missing or malformed field in a serialized record.
type DecodeError struct {
	Field string
	Value string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("metric field %q missing", e.Field)
	}
	return fmt.Sprintf("metric field %q invalid value %q: %v", e.Field, e.Value, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Encode serializes r into the flat string map stored on the log.
func Encode(r Record) map[string]string {
	return map[string]string{
		FieldUserID:    strconv.FormatInt(r.UserID, 10),
		FieldTimestamp: r.Timestamp.UTC().Format(TimestampLayout),
		FieldHeartRate: strconv.FormatInt(r.HeartRate, 10),
		FieldSteps:     strconv.FormatInt(r.Steps, 10),
		FieldCalories:  strconv.FormatFloat(r.Calories, 'f', -1, 64),
	}
}

// Decode parses every field of a serialized record. Unknown keys are ignored.
func Decode(fields map[string]string) (Record, error) {
	var (
		r   Record
		err error
	)

	if r.UserID, err = parseInt(fields, FieldUserID); err != nil {
		return Record{}, err
	}
	if r.HeartRate, err = parseInt(fields, FieldHeartRate); err != nil {
		return Record{}, err
	}
	if r.Steps, err = parseInt(fields, FieldSteps); err != nil {
		return Record{}, err
	}

	raw, err := lookup(fields, FieldCalories)
	if err != nil {
		return Record{}, err
	}
	if r.Calories, err = strconv.ParseFloat(raw, 64); err != nil {
		return Record{}, &DecodeError{Field: FieldCalories, Value: raw, Cause: err}
	}

	raw, err = lookup(fields, FieldTimestamp)
	if err != nil {
		return Record{}, err
	}
	ts, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		return Record{}, &DecodeError{Field: FieldTimestamp, Value: raw, Cause: err}
	}
	r.Timestamp = ts.UTC()

	return r, nil
}

func lookup(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", &DecodeError{Field: key}
	}
	return v, nil
}

func parseInt(fields map[string]string, key string) (int64, error) {
	raw, err := lookup(fields, key)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &DecodeError{Field: key, Value: raw, Cause: err}
	}
	return v, nil
}
