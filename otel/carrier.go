package otel

// FieldsCarrier propagates trace context through a log entry's field map.
type FieldsCarrier map[string]string

func (c FieldsCarrier) Get(key string) string {
	return c[key]
}

func (c FieldsCarrier) Set(key, value string) {
	c[key] = value
}

func (c FieldsCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
