package sqljobstore

import "encoding/json"

// encodeStateData serializes a state's key/value payload the way PState.Data
// stores it: a flat JSON object.
func encodeStateData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// decodeStateData is encodeStateData's inverse, used by reads that surface a
// state's payload back to the caller.
func decodeStateData(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	data := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}
