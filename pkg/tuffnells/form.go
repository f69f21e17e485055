package tuffnells

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// viewStateField is the hidden token every form post must echo back.
const viewStateField = "__VIEWSTATE"

// extractFormData flattens a rendered portal page into a field name to value
// map: every <input> contributes its value (empty when absent), every
// <select> contributes the value of its selected <option>, or an empty
// string when nothing is selected. The map is the only place the view-state
// token and the page's pre-filled state can be recovered from.
func extractFormData(html string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, NewPortalError("parse", "ENDPOINT_ERROR", "parsing portal page").WithCause(err)
	}

	form := make(map[string]string)

	doc.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		form[name] = s.AttrOr("value", "")
	})

	doc.Find("select").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		form[name] = ""
		if opt := s.Find("option[selected]").First(); opt.Length() > 0 {
			form[name] = opt.AttrOr("value", "")
		}
	})

	return form, nil
}

// viewStateOf pulls the view-state token out of an extracted field map. A
// missing token means the page layout changed or the URL is wrong; nothing
// can be submitted without it.
func viewStateOf(form map[string]string) (string, error) {
	v := form[viewStateField]
	if v == "" {
		return "", ErrViewStateNotFound
	}
	return v, nil
}

// parseRedirectQuery interprets a form post's reply. The portal communicates
// structured results through the query string of a 302's Location header;
// anything else, typically a re-rendered 200 with inline validation text, is
// an endpoint error carrying the unexpected status.
func parseRedirectQuery(op string, resp *Response) (url.Values, error) {
	if resp.StatusCode != http.StatusFound {
		return nil, NewPortalError(op, "ENDPOINT_ERROR", "unexpected status "+strconv.Itoa(resp.StatusCode)).
			WithStatusCode(resp.StatusCode).
			WithCause(ErrEndpoint)
	}

	u, err := url.Parse(resp.Location)
	if err != nil {
		return nil, NewPortalError(op, "ENDPOINT_ERROR", "unparseable redirect location").
			WithStatusCode(resp.StatusCode).
			WithCause(err)
	}
	return u.Query(), nil
}

// goqueryDocument parses a rendered portal page for selector traversal.
func goqueryDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, NewPortalError("parse", "ENDPOINT_ERROR", "parsing portal page").WithCause(err)
	}
	return doc, nil
}

// cellText returns the trimmed text of the i-th cell in a grid row.
func cellText(cols *goquery.Selection, i int) string {
	return strings.TrimSpace(cols.Eq(i).Text())
}

// formValues converts an extracted field map back into a submittable body,
// used where the portal expects the whole form echoed back.
func formValues(form map[string]string) url.Values {
	values := make(url.Values, len(form))
	for k, v := range form {
		values.Set(k, v)
	}
	return values
}
