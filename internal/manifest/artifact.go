package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Artifact is either a location (path or URL of a produced document) or a
// boolean flag such as qa_approved. On disk it is a JSON string or bool.
type Artifact struct {
	location string
	flag     *bool
}

// Location returns a location artifact.
func Location(loc string) Artifact {
	return Artifact{location: loc}
}

// Flag returns a flag artifact.
func Flag(v bool) Artifact {
	return Artifact{flag: &v}
}

// IsFlag reports whether the artifact is a boolean flag.
func (a Artifact) IsFlag() bool {
	return a.flag != nil
}

// Bool returns the flag value. Location artifacts are true when non-empty.
func (a Artifact) Bool() bool {
	if a.flag != nil {
		return *a.flag
	}
	return a.location != ""
}

// String returns the location, or "true"/"false" for flags.
func (a Artifact) String() string {
	if a.flag != nil {
		return fmt.Sprint(*a.flag)
	}
	return a.location
}

func (a Artifact) MarshalJSON() ([]byte, error) {
	if a.flag != nil {
		return json.Marshal(*a.flag)
	}
	return json.Marshal(a.location)
}

func (a *Artifact) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		v := data[0] == 't'
		*a = Artifact{flag: &v}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Artifact{location: s}
		return nil
	}
	return fmt.Errorf("artifact must be a string or boolean, got %s", data)
}
