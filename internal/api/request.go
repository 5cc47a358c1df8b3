package api

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/poimap/server/internal/geo"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("query"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// boundsRequest holds the rectangle shared by the viewport and counts endpoints.
type boundsRequest struct {
	North float64 `query:"north" validate:"gte=-90,lte=90"`
	South float64 `query:"south" validate:"gte=-90,lte=90"`
	East  float64 `query:"east" validate:"gte=-180,lte=180"`
	West  float64 `query:"west" validate:"gte=-180,lte=180"`
}

func (b boundsRequest) bounds() geo.Bounds {
	return geo.Bounds{North: b.North, South: b.South, East: b.East, West: b.West}
}

type viewportRequest struct {
	boundsRequest
	Zoom     float64 `query:"zoom" validate:"gte=0,lte=24"`
	Limit    int     `query:"limit" validate:"omitempty,min=1,max=5000"`
	Category string  `query:"category" validate:"omitempty,max=64,excludesall=0x7C=:"`
	Status   string  `query:"status" validate:"omitempty,alphanum,max=32"`
}

type countsRequest struct {
	boundsRequest
	Status string `query:"status" validate:"omitempty,alphanum,max=32"`
}

func parseBounds(q url.Values) (boundsRequest, error) {
	var (
		b   boundsRequest
		err error
	)
	if b.North, err = floatParam(q, "north"); err != nil {
		return b, err
	}
	if b.South, err = floatParam(q, "south"); err != nil {
		return b, err
	}
	if b.East, err = floatParam(q, "east"); err != nil {
		return b, err
	}
	if b.West, err = floatParam(q, "west"); err != nil {
		return b, err
	}
	return b, nil
}

func parseViewportRequest(q url.Values) (viewportRequest, error) {
	var req viewportRequest
	b, err := parseBounds(q)
	if err != nil {
		return req, err
	}
	req.boundsRequest = b
	if req.Zoom, err = floatParam(q, "zoom"); err != nil {
		return req, err
	}
	if s := q.Get("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil {
			return req, fmt.Errorf("invalid query param limit: %q", s)
		}
		if req.Limit == 0 {
			return req, errors.New("limit must be at least 1")
		}
	}
	req.Category = strings.TrimSpace(q.Get("category"))
	req.Status = strings.TrimSpace(q.Get("status"))
	return req, checkRequest(req)
}

func parseCountsRequest(q url.Values) (countsRequest, error) {
	var req countsRequest
	b, err := parseBounds(q)
	if err != nil {
		return req, err
	}
	req.boundsRequest = b
	req.Status = strings.TrimSpace(q.Get("status"))
	return req, checkRequest(req)
}

func floatParam(q url.Values, name string) (float64, error) {
	s := strings.TrimSpace(q.Get(name))
	if s == "" {
		return 0, fmt.Errorf("missing required query param: %s", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid query param %s: %q", name, s)
	}
	return v, nil
}

// checkRequest runs the struct tags and reports the first failing field.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Errorf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("%s failed %s", fe.Field(), fe.Tag())
	}
	return err
}
