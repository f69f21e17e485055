package tuffnells_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/tuffnells/pkg/tuffnells"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

func newTestClient(mock *tuffnells.MockGateway) *tuffnells.Client {
	logger := otelzap.New(zap.NewNop())
	return tuffnells.NewWithGateway(
		tuffnells.Config{AccountID: "test-account"},
		mock,
		logger,
		nil,
	)
}

func newTestConsignment(t *testing.T, client *tuffnells.Client) *tuffnells.Consignment {
	t.Helper()
	cons := client.NewConsignment()
	require.NoError(t, cons.SetConsignmentNumber("10034567"))
	cons.SetCustomerReference("ORDER-001")
	cons.SetPackage(0, validPackage(t))
	cons.SetCollectionAddress(validAddress(t))
	cons.SetDeliveryAddress(validAddress(t))
	return cons
}

func TestClient_ResolvePostcode_Success(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cityRegion, err := client.ResolvePostcode(context.Background(), "S1 2AB")
	require.NoError(t, err)
	assert.Equal(t, "Sheffield", cityRegion.City)
	assert.Equal(t, "South Yorkshire", cityRegion.Region)
}

func TestClient_ResolvePostcode_Cached(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	posts := 0
	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		posts++
		return &tuffnells.Response{
			StatusCode: http.StatusFound,
			Location:   "confirm.aspx?Town=Leeds&County=West+Yorkshire",
		}, nil
	}

	_, err := client.ResolvePostcode(context.Background(), "LS1 4AB")
	require.NoError(t, err)
	require.Equal(t, 1, posts)

	// Same postcode in different formatting resolves from the cache.
	cityRegion, err := client.ResolvePostcode(context.Background(), "ls14ab")
	require.NoError(t, err)
	assert.Equal(t, "Leeds", cityRegion.City)
	assert.Equal(t, 1, posts)
}

func TestClient_ResolvePostcode_Invalid(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	// The portal re-renders the search form instead of redirecting when the
	// postcode is unknown.
	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: "<html></html>"}, nil
	}

	_, err := client.ResolvePostcode(context.Background(), "ZZ99 9ZZ")
	assert.ErrorIs(t, err, tuffnells.ErrPostcodeNotValid)
}

func TestClient_CreateConsignment_Success(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := newTestConsignment(t, client)
	require.NoError(t, client.CreateConsignment(context.Background(), cons))

	urn, err := cons.URN()
	require.NoError(t, err)
	assert.NotEmpty(t, urn)
}

func TestClient_CreateConsignment_SubmitsForm(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	var submitted url.Values
	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		submitted = form
		return &tuffnells.Response{
			StatusCode: http.StatusFound,
			Location:   "labelprint.aspx?URN=091234567891234567890123",
		}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetServiceType(tuffnells.ServiceSaturdayAM))
	require.NoError(t, client.CreateConsignment(context.Background(), cons))

	assert.Equal(t, "test-account", submitted.Get("CustomerAccount"))
	assert.Equal(t, "ORDER-001", submitted.Get("OurRef"))
	assert.Equal(t, "10034567", submitted.Get("ConRef"))
	assert.Equal(t, "4", submitted.Get("ServiceType"))
	assert.Equal(t, "14", submitted.Get("Weight"))
	assert.Equal(t, "2", submitted.Get("Package1Qty"))
	assert.Equal(t, "1", submitted.Get("PackageType1"))
	assert.Equal(t, "Sheffield", submitted.Get("ColTown"))
	assert.Equal(t, "Ok", submitted.Get("Okay"))
	assert.NotEmpty(t, submitted.Get("__VIEWSTATE"))

	urn, err := cons.URN()
	require.NoError(t, err)
	assert.Equal(t, "091234567891234567890123", urn)
}

func TestClient_CreateConsignment_Invalid(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := client.NewConsignment()
	err := client.CreateConsignment(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrInvalidConsignment)
}

func TestClient_CreateConsignment_NoURNInRedirect(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusFound, Location: "labelprint.aspx"}, nil
	}

	cons := newTestConsignment(t, client)
	err := client.CreateConsignment(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrEndpoint)
	assert.False(t, cons.HasURN())
}

func TestClient_AmendConsignment_RequiresURN(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := newTestConsignment(t, client)
	err := client.AmendConsignment(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrInvalidURN)
}

func TestClient_AmendConsignment_PastDispatchDate(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	posts := 0
	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		posts++
		return &tuffnells.Response{StatusCode: http.StatusFound, Location: "default.aspx"}, nil
	}

	// The setter accepts past dates once a URN exists, so a stale
	// consignment can reach the save routine; the save precondition still
	// has to reject it.
	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))
	require.NoError(t, cons.SetDispatchDate(time.Now().AddDate(0, 0, -1)))

	err := client.AmendConsignment(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrInvalidDispatchDate)
	assert.Equal(t, 0, posts)
}

func TestClient_GetConsignment_EmptyURN(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	_, err := client.GetConsignment(context.Background(), "")
	assert.ErrorIs(t, err, tuffnells.ErrInvalidURN)
}

func TestClient_GetConsignment_NotFound(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	// A view page without a consignment number field means the URN is
	// unknown to the portal.
	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: "<html><form></form></html>"}, nil
	}

	_, err := client.GetConsignment(context.Background(), "091234567891234567890123")
	assert.ErrorIs(t, err, tuffnells.ErrConsignmentNotFound)
}

func TestClient_GetConsignment_Reconstructs(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons, err := client.GetConsignment(context.Background(), "091234567891234567890123")
	require.NoError(t, err)

	assert.Equal(t, "ORDER-001", cons.CustomerReference())
	assert.Equal(t, "TUF-REF-9", cons.TuffnellsReference())
	assert.Equal(t, tuffnells.ServiceNextDay, cons.ServiceType())
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), cons.DispatchDate())

	// Only the first package slot is populated on the canned page.
	assert.Equal(t, 2, cons.Package(0).Quantity())
	assert.Equal(t, 12, cons.Package(0).Weight())
	assert.Equal(t, tuffnells.PackageCarton, cons.Package(0).Type())
	assert.False(t, cons.Package(1).Valid())

	require.NotNil(t, cons.CollectionAddress())
	assert.Equal(t, "Sheffield", cons.CollectionAddress().City)
	assert.Equal(t, "S1 2AB", cons.CollectionAddress().Postcode)

	require.NotNil(t, cons.DeliveryAddress())
	assert.Equal(t, "Leeds", cons.DeliveryAddress().City)
	assert.Equal(t, "receiver@example.com", cons.DeliveryAddress().ContactEmail)
	assert.Equal(t, 44, cons.DeliveryAddress().CountryCode)
}

func TestClient_GetConsignment_Cached(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	first, err := client.GetConsignment(context.Background(), "091234567891234567890123")
	require.NoError(t, err)

	// The portal becoming unreachable must not matter for a cached URN.
	mock.SimulateErrors = true

	second, err := client.GetConsignment(context.Background(), "091234567891234567890123")
	require.NoError(t, err)
	assert.Equal(t, first.CustomerReference(), second.CustomerReference())
	assert.Equal(t, first.DeliveryAddress().Postcode, second.DeliveryAddress().Postcode)
}

func TestClient_GetConsignments(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	consignments, errs := client.GetConsignments(context.Background(),
		[]string{"091234567891234567890123", "091234567891234567890124"})
	assert.Empty(t, errs)
	assert.Len(t, consignments, 2)
}

func TestClient_GetConsignments_PartialFailure(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	consignments, errs := client.GetConsignments(context.Background(),
		[]string{"091234567891234567890123", ""})
	assert.Len(t, consignments, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], tuffnells.ErrInvalidURN)
}

func TestClient_DeleteConsignment(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons, err := client.GetConsignment(context.Background(), "091234567891234567890123")
	require.NoError(t, err)
	require.NoError(t, client.DeleteConsignment(context.Background(), cons))

	// Deletion evicts the cache entry, so the next lookup goes back to the
	// portal.
	mock.SimulateErrors = true
	_, err = client.GetConsignment(context.Background(), "091234567891234567890123")
	assert.Error(t, err)
}

func TestClient_DeleteConsignment_Rejected(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: "<html></html>"}, nil
	}

	cons := tuffnells.NewConsignment(nil, "091234567891234567890123")
	err := client.DeleteConsignment(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrEndpoint)
}

func TestClient_TrackConsignment(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))

	require.NoError(t, client.TrackConsignment(context.Background(), cons))

	// The canned page's last movement row reads "Out to deliver".
	assert.Equal(t, tuffnells.StatusOutForDelivery, cons.Status())

	logs, err := cons.Logs()
	require.NoError(t, err)
	require.Equal(t, 2, logs.Count())
	assert.Equal(t, "Created By EZEEWEB", logs.At(0).Description)
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), logs.At(0).Date)
	assert.Equal(t, "Sheffield", logs.At(0).DeliveryDepot)
	assert.Equal(t, 2, logs.At(0).PackagesReceived)
}

func TestClient_TrackConsignment_DeliveredIsTerminal(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))
	require.NoError(t, cons.SetStatus(tuffnells.StatusDelivered))

	mock.SimulateErrors = true
	assert.NoError(t, client.TrackConsignment(context.Background(), cons))
}

func TestClient_TrackConsignment_NoMovements(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK,
			Body: `<html><table id="grdMovements"></table></html>`}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))
	require.NoError(t, cons.SetStatus(tuffnells.StatusInTransit))

	require.NoError(t, client.TrackConsignment(context.Background(), cons))
	assert.Equal(t, tuffnells.StatusAwaitingPickup, cons.Status())
}

func TestClient_TrackConsignment_HeaderOnlyMovements(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	// A header row with no data rows means nothing has moved yet: the
	// consignment stays awaiting pickup unless a depot scan says otherwise.
	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: `<html>
			<table id="grdMovements">
			<tr class="GridHeader"><td>Date</td><td>Description</td><td>Depot</td><td>Round</td><td>Del Date</td><td>Rcvd</td><td>Dlvd</td></tr>
			</table>
			</html>`}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))

	require.NoError(t, client.TrackConsignment(context.Background(), cons))
	assert.Equal(t, tuffnells.StatusAwaitingPickup, cons.Status())

	_, err := cons.Logs()
	assert.Error(t, err)
}

func TestClient_TrackConsignment_ScanUpgradesToInTransit(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	// The movement table still reads "Created By EZEEWEB" but a depot has
	// already scanned the parcel in.
	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: `<html>
			<table id="grdMovements">
			<tr class="GridHeader"><td>Date</td><td>Description</td><td>Depot</td><td>Round</td><td>Del Date</td><td>Rcvd</td><td>Dlvd</td></tr>
			<tr class="GridItem"><td>31/08/26</td><td>Created By EZEEWEB</td><td>Sheffield</td><td>12</td><td>01/09/26</td><td>2</td><td>0</td></tr>
			</table>
			<table id="grdScans"><tr class="GridItem"><td>Scan</td></tr></table>
			</html>`}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))

	require.NoError(t, client.TrackConsignment(context.Background(), cons))
	assert.Equal(t, tuffnells.StatusInTransit, cons.Status())
}

func TestClient_TrackConsignment_DeliveredWithSignatures(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: `<html>
			<table id="grdMovements">
			<tr class="GridHeader"><td>Date</td><td>Description</td><td>Depot</td><td>Round</td><td>Del Date</td><td>Rcvd</td><td>Dlvd</td></tr>
			<tr class="GridItem"><td>01/09/26</td><td>Delivered</td><td>Leeds</td><td>7</td><td>01/09/26</td><td>2</td><td>2</td></tr>
			</table>
			<table id="grdTimed">
			<tr class="GridItem"><td>J SMITH</td><td>01/09/26</td><td>14:32:05</td></tr>
			</table>
			</html>`}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.SetURN("091234567891234567890123"))

	require.NoError(t, client.TrackConsignment(context.Background(), cons))
	assert.Equal(t, tuffnells.StatusDelivered, cons.Status())

	signatures, err := cons.Signatures()
	require.NoError(t, err)
	require.Equal(t, 1, signatures.Count())
	assert.Equal(t, "J SMITH", signatures.At(0).Signature)
	assert.Equal(t, time.Date(2026, 9, 1, 14, 32, 5, 0, time.UTC), signatures.At(0).Timestamp)
}

func TestClient_GetLabels(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := tuffnells.NewConsignment(nil, "091234567891234567890123")
	label, err := client.GetLabels(context.Background(), cons)
	require.NoError(t, err)

	// CRLF markers become newlines and the page's escape token is stripped.
	assert.Equal(t, "^XA^FDMOCK\n^XZ", label.ZPL())
}

func TestClient_GetLabels_Cached(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	cons := tuffnells.NewConsignment(nil, "091234567891234567890123")
	_, err := client.GetLabels(context.Background(), cons)
	require.NoError(t, err)

	mock.SimulateErrors = true
	label, err := client.GetLabels(context.Background(), cons)
	require.NoError(t, err)
	assert.Equal(t, "^XA^FDMOCK\n^XZ", label.ZPL())
}

func TestClient_GetLabels_DisplayError(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	mock.OnGet = func(ctx context.Context, path string) (*tuffnells.Response, error) {
		return &tuffnells.Response{StatusCode: http.StatusOK, Body: "<html>printing unavailable</html>"}, nil
	}

	cons := tuffnells.NewConsignment(nil, "091234567891234567890123")
	_, err := client.GetLabels(context.Background(), cons)
	assert.ErrorIs(t, err, tuffnells.ErrEndpoint)
}

func TestClient_SetCachePrefix(t *testing.T) {
	client := newTestClient(tuffnells.NewMockGateway())

	assert.ErrorIs(t, client.SetCachePrefix(""), tuffnells.ErrInvalidCache)
	assert.NoError(t, client.SetCachePrefix("ACME-"))
}

func TestConsignment_Save_CreatesThenAmends(t *testing.T) {
	mock := tuffnells.NewMockGateway()
	client := newTestClient(mock)

	var paths []string
	mock.OnPostForm = func(ctx context.Context, path string, form url.Values) (*tuffnells.Response, error) {
		paths = append(paths, path)
		return &tuffnells.Response{
			StatusCode: http.StatusFound,
			Location:   "labelprint.aspx?URN=091234567891234567890123",
		}, nil
	}

	cons := newTestConsignment(t, client)
	require.NoError(t, cons.Save(context.Background()))
	require.NoError(t, cons.Save(context.Background()))

	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], "type=newdel")
	assert.Contains(t, paths[1], "type=amend")
	assert.Contains(t, paths[1], "URN=091234567891234567890123")
}
