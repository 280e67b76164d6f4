package protocol

// Property is a named message header. Values travel as strings; filters
// interpret them numerically when both sides parse as numbers.
type Property struct {
	Name  string
	Value string
}

// Message is a client message as carried by SESS_SEND and delivered by
// SESS_RECEIVE_MSG. Large messages carry the same header with the body
// streamed separately.
type Message struct {
	MessageID  int64
	Address    string
	Durable    bool
	Expiration int64 // unix millis, 0 = never
	Timestamp  int64 // unix millis
	Priority   int32
	UserID     string
	Properties []Property
	Body       []byte
}

// Property returns the value of the named property.
func (m *Message) Property(name string) (string, bool) {
	for _, p := range m.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetProperty sets or replaces the named property.
func (m *Message) SetProperty(name, value string) {
	for i := range m.Properties {
		if m.Properties[i].Name == name {
			m.Properties[i].Value = value
			return
		}
	}
	m.Properties = append(m.Properties, Property{Name: name, Value: value})
}

// Copy returns a deep copy of m.
func (m *Message) Copy() *Message {
	c := *m
	if m.Properties != nil {
		c.Properties = append([]Property(nil), m.Properties...)
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// IsExpired reports whether the message expired at nowMillis.
func (m *Message) IsExpired(nowMillis int64) bool {
	return m.Expiration > 0 && nowMillis >= m.Expiration
}
