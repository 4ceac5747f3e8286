// Package api describes the upstream catalog wire format.
package api

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// ListResponse is one page of a PokéAPI named-resource listing, e.g.
// GET https://pokeapi.co/api/v2/pokemon?limit=151.
type ListResponse struct {
	// Count is the total number of resources upstream, not the page size.
	Count int64 `json:"count"`
	// Next is the URL of the following page, nil on the last page.
	Next *string `json:"next"`
	// Previous is the URL of the preceding page, nil on the first page.
	Previous *string `json:"previous"`
	// Results holds the resources of this page in upstream order.
	Results []NamedResource `json:"results"`
}

// NamedResource is a single catalog entity: a name and the URL that identifies it.
type NamedResource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ErrSchema is returned when a body is valid JSON but not a listing.
var ErrSchema = errors.New("unexpected listing schema")

var (
	countPath    = jp.MustParseString("$.count")
	nextPath     = jp.MustParseString("$.next")
	previousPath = jp.MustParseString("$.previous")
	resultsPath  = jp.MustParseString("$.results[*]")
)

// DecodeListResponse parses a listing body. Only results[].name and
// results[].url are required; count, next and previous are checked for type
// when present.
func DecodeListResponse(body []byte) (*ListResponse, error) {
	doc, err := oj.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, want object", ErrSchema, doc)
	}
	if _, ok := obj["results"].([]any); !ok {
		return nil, fmt.Errorf("%w: results is missing or not an array", ErrSchema)
	}

	resp := &ListResponse{}
	if vals := countPath.Get(obj); len(vals) == 1 {
		switch c := vals[0].(type) {
		case int64:
			resp.Count = c
		case float64:
			resp.Count = int64(c)
		case nil:
		default:
			return nil, fmt.Errorf("%w: count is %T", ErrSchema, c)
		}
	}
	if resp.Next, err = optionalString(nextPath, obj, "next"); err != nil {
		return nil, err
	}
	if resp.Previous, err = optionalString(previousPath, obj, "previous"); err != nil {
		return nil, err
	}

	items := resultsPath.Get(obj)
	resp.Results = make([]NamedResource, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: results[%d] is %T, want object", ErrSchema, i, item)
		}
		name, ok := m["name"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: results[%d].name is not a string", ErrSchema, i)
		}
		url, ok := m["url"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: results[%d].url is not a string", ErrSchema, i)
		}
		resp.Results = append(resp.Results, NamedResource{Name: name, URL: url})
	}
	return resp, nil
}

func optionalString(x jp.Expr, obj map[string]any, field string) (*string, error) {
	vals := x.Get(obj)
	if len(vals) == 0 || vals[0] == nil {
		return nil, nil
	}
	s, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want string", ErrSchema, field, vals[0])
	}
	return &s, nil
}
