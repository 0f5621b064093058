package bus

// PublishOptions controls a single publish.
type PublishOptions struct {
	SubjectOverride string
	Key             string
	Headers         map[string]string
}

// Subject returns the override when set, otherwise the message subject.
func (o PublishOptions) Subject(m *Message) string {
	if o.SubjectOverride != "" {
		return o.SubjectOverride
	}

	return m.Subject
}
