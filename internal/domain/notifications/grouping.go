package notifications

// ExtractGroupingKey derives the bucket key for n from its detail payload,
// trying schema.GroupingPaths in order.
//
// A missing key returns ok=false with no error: the notification is simply
// not groupable. A detail that is not an object, or a key field holding a
// non-scalar value, returns ErrMalformedPayload.
func ExtractGroupingKey(schema KindSchema, n *Notification) (string, bool, error) {
	if n == nil {
		return "", false, nil
	}
	doc, err := DecodeDetail(n.Detail)
	if err != nil {
		return "", false, malformed(n.ID, "%v", err)
	}
	return groupingKeyFromDoc(schema, n, doc)
}

func groupingKeyFromDoc(schema KindSchema, n *Notification, doc Document) (string, bool, error) {
	for _, path := range schema.GroupingPaths {
		v, present := doc.Lookup(path)
		if !present || v == nil {
			continue
		}
		key, err := scalarString(v)
		if err != nil {
			return "", false, malformed(n.ID, "grouping field %q: %v", path, err)
		}
		if key == "" {
			continue
		}
		return key, true, nil
	}
	return "", false, nil
}

// PriorityHint reads an optional priority suggestion from detail. Producers
// may omit the priority column and rely on it.
func PriorityHint(schema KindSchema, doc Document) (Priority, bool) {
	if schema.PriorityPath == "" {
		return "", false
	}
	v, ok := doc.Lookup(schema.PriorityPath)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return ParsePriority(s)
}
