package kie

import "encoding/json"

// The provider encodes "here are your images" several different ways
// depending on model and API version. Each matcher decodes exactly one shape
// and reports whether it applied; the first match wins.
type resultMatcher func(raw []byte) ([]string, bool)

var resultMatchers = []resultMatcher{
	matchResultURLsField,
	matchSnakeResultURLs,
	matchImageObjects,
	matchBareURLArray,
	matchSingleURLObject,
}

// ParseResultURLs extracts result URLs from a resultJson payload. Returns
// false when no known shape matches or the matched shape holds no URLs.
func ParseResultURLs(raw []byte) ([]string, bool) {
	for _, match := range resultMatchers {
		if urls, ok := match(raw); ok && len(urls) > 0 {
			return urls, true
		}
	}
	return nil, false
}

// {"resultUrls": ["...", ...]}
func matchResultURLsField(raw []byte) ([]string, bool) {
	var v struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.ResultURLs == nil {
		return nil, false
	}
	return v.ResultURLs, true
}

// {"result_urls": ["...", ...]}
func matchSnakeResultURLs(raw []byte) ([]string, bool) {
	var v struct {
		ResultURLs []string `json:"result_urls"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.ResultURLs == nil {
		return nil, false
	}
	return v.ResultURLs, true
}

// {"images": [{"url": "..."}, ...]}
func matchImageObjects(raw []byte) ([]string, bool) {
	var v struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Images == nil {
		return nil, false
	}
	urls := make([]string, 0, len(v.Images))
	for _, img := range v.Images {
		if img.URL != "" {
			urls = append(urls, img.URL)
		}
	}
	return urls, true
}

// ["...", ...]
func matchBareURLArray(raw []byte) ([]string, bool) {
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, false
	}
	return urls, true
}

// {"url": "..."}
func matchSingleURLObject(raw []byte) ([]string, bool) {
	var v struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.URL == "" {
		return nil, false
	}
	return []string{v.URL}, true
}
