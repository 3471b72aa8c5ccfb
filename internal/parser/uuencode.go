package parser

import (
	"bytes"
	"errors"
)

// uudecode decodes the body of a "begin ... end" uuencoded block.
func uudecode(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	started := false

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !started {
			if bytes.HasPrefix(line, []byte("begin ")) {
				started = true
			}
			continue
		}
		if string(bytes.TrimSpace(line)) == "end" {
			return out.Bytes(), nil
		}
		if len(line) == 0 {
			continue
		}

		n := int((line[0] - ' ') & 0x3f)
		if n == 0 {
			continue
		}
		data := line[1:]
		buf := make([]byte, 0, (len(data)+3)/4*3)
		for i := 0; i < len(data); i += 4 {
			var c [4]byte
			for j := 0; j < 4 && i+j < len(data); j++ {
				c[j] = (data[i+j] - ' ') & 0x3f
			}
			buf = append(buf, c[0]<<2|c[1]>>4, c[1]<<4|c[2]>>2, c[2]<<6|c[3])
		}
		if n > len(buf) {
			return nil, errors.New("uudecode: line shorter than its length byte")
		}
		out.Write(buf[:n])
	}

	if !started {
		return nil, errors.New("uudecode: missing begin line")
	}
	return out.Bytes(), nil
}
