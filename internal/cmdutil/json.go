package cmdutil

import (
	"encoding/json"
	"io"
)

// WriteJSON renders v to w as a single JSON document terminated by a newline
// so the output is a valid JSON-lines record. pretty switches to two-space
// indentation for humans.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	var (
		buf []byte
		err error
	)
	if pretty {
		buf, err = json.MarshalIndent(v, "", "  ")
	} else {
		buf, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	_, err = w.Write(buf)
	return err
}
