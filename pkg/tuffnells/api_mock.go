package tuffnells

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockGateway is a mock implementation of Gateway for testing and local
// development. It serves canned portal pages so the full scrape-and-post
// cycle runs without touching the real portal.
type MockGateway struct {
	SimulateErrors  bool
	SimulateLatency time.Duration

	OnGet      func(ctx context.Context, path string) (*Response, error)
	OnPostForm func(ctx context.Context, path string, form url.Values) (*Response, error)
}

// NewMockGateway creates a new mock gateway with default behavior.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

const mockViewState = "dDwtMTM0NjY4MTIyMjt0PDtsPGk8MT47PjtsPHQ8O2w8aTwxMT4"

const mockFormPage = `<html><body><form>
<input type="hidden" name="__VIEWSTATE" value="` + mockViewState + `" />
</form></body></html>`

const mockViewPage = `<html><body><form>
<input type="hidden" name="__VIEWSTATE" value="` + mockViewState + `" />
<input type="text" name="ConRef" value="10034567" />
<input type="text" name="OurRef" value="ORDER-001" />
<input type="text" name="YourRef" value="TUF-REF-9" />
<input type="text" name="DespatchDate" value="01/09/2026" />
<input type="text" name="Weight" value="12" />
<input type="text" name="Package1Qty" value="2" />
<input type="text" name="Package2Qty" value="" />
<input type="text" name="Package3Qty" value="" />
<select name="ServiceType">
<option value="1" selected="selected">Next day</option>
</select>
<select name="PackageType1">
<option value="1" selected="selected">Carton</option>
</select>
<select name="PackageType2"><option value="1">Carton</option></select>
<select name="PackageType3"><option value="1">Carton</option></select>
<input type="text" name="ColCustomerName" value="Sender Ltd" />
<input type="text" name="ColAddress1" value="1 Depot Way" />
<input type="text" name="ColAddress2" value="" />
<input type="text" name="ColAddress3" value="" />
<input type="text" name="ColTown" value="Sheffield" />
<input type="text" name="ColCounty" value="South Yorkshire" />
<input type="text" name="ColPostcode" value="S1 2AB" />
<input type="text" name="ColContactName" value="A Sender" />
<input type="text" name="ColTelephone" value="0114 000 0000" />
<input type="text" name="DelCustomerName" value="Receiver Ltd" />
<input type="text" name="DelAddress1" value="2 Arrival Road" />
<input type="text" name="DelAddress2" value="" />
<input type="text" name="DelAddress3" value="" />
<input type="text" name="DelTown" value="Leeds" />
<input type="text" name="DelCounty" value="West Yorkshire" />
<input type="text" name="DelPostcode" value="LS1 4AB" />
<input type="text" name="DelContactName" value="A Receiver" />
<input type="text" name="DelTelephone" value="0113 000 0000" />
<input type="text" name="DelEmailAddress" value="receiver@example.com" />
<input type="text" name="DelCountry" value="44" />
</form></body></html>`

const mockTrackingPage = `<html><body>
<table id="grdMovements">
<tr class="GridHeader"><td>Date</td><td>Description</td><td>Depot</td><td>Round</td><td>Del Date</td><td>Rcvd</td><td>Dlvd</td></tr>
<tr class="GridItem"><td>31/08/26</td><td>Created By EZEEWEB</td><td>Sheffield</td><td>12</td><td>01/09/26</td><td>2</td><td>0</td></tr>
<tr class="GridItem"><td>01/09/26</td><td>Out to deliver</td><td>Leeds</td><td>7</td><td>01/09/26</td><td>2</td><td>0</td></tr>
</table>
</body></html>`

const mockLabelPage = `<html><body><script>
AxVistaPrint.CreateFile ("^XA^FDMOCKCRLF^XZ%%@@","\\127.0.0.1\ZEBRA","1")
</script></body></html>`

// Get serves a canned page for the requested portal path.
func (m *MockGateway) Get(ctx context.Context, path string) (*Response, error) {
	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}

	if m.SimulateErrors {
		return nil, NewPortalError("get", "MOCK_ERROR", "Simulated portal error").WithCause(ErrEndpoint)
	}

	if m.OnGet != nil {
		return m.OnGet(ctx, path)
	}

	switch {
	case strings.Contains(path, "type=view"):
		return &Response{StatusCode: http.StatusOK, Body: mockViewPage}, nil
	case strings.HasPrefix(path, "ezpod/tracking.aspx"):
		return &Response{StatusCode: http.StatusOK, Body: mockTrackingPage}, nil
	case strings.HasPrefix(path, "dotweb/VistaPrint.aspx"):
		return &Response{StatusCode: http.StatusOK, Body: mockLabelPage}, nil
	default:
		return &Response{StatusCode: http.StatusOK, Body: mockFormPage}, nil
	}
}

// PostForm answers with the redirect the portal would issue for the
// submitted form.
func (m *MockGateway) PostForm(ctx context.Context, path string, form url.Values) (*Response, error) {
	if m.SimulateLatency > 0 {
		time.Sleep(m.SimulateLatency)
	}

	if m.SimulateErrors {
		return nil, NewPortalError("post", "MOCK_ERROR", "Simulated portal error").WithCause(ErrEndpoint)
	}

	if m.OnPostForm != nil {
		return m.OnPostForm(ctx, path, form)
	}

	switch {
	case strings.HasPrefix(path, "dotweb/postsectorsearch.aspx"):
		return &Response{
			StatusCode: http.StatusFound,
			Location:   "confirm.aspx?Town=Sheffield&County=South+Yorkshire",
		}, nil
	case strings.Contains(path, "type=newdel"), strings.Contains(path, "type=amend"):
		urn := strings.ToUpper(uuid.New().String()[:12])
		return &Response{
			StatusCode: http.StatusFound,
			Location:   "labelprint.aspx?URN=" + urn,
		}, nil
	default:
		return &Response{StatusCode: http.StatusFound, Location: "default.aspx"}, nil
	}
}
