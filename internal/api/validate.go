package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxBodyBytes      = 1 << 20
	maxPhotoBodyBytes = 8 << 20 // base64 of a 5 MiB photo plus JSON overhead
)

// decodeBody reads a JSON body into dst with a size cap. Unknown fields
// are tolerated; malformed JSON and oversize bodies are not.
func decodeBody(r *http.Request, dst any, limit int64) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("body exceeds %d bytes", limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %.4f out of range [-90, 90]", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %.4f out of range [-180, 180]", lon)
	}
	return nil
}

func requireField(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

// pathTail returns the path segments after prefix, or nil when the
// request path does not extend past it.
func pathTail(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return nil
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
