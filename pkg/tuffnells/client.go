// Package tuffnells drives the Tuffnells eezlink web portal as if it were a
// carrier API: it logs in, scrapes hidden form state, submits consignment
// operations as simulated form posts and reads results back out of redirect
// query strings.
package tuffnells

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const carrierName = "tuffnells"

// DefaultCachePrefix namespaces every cache key written by a client.
const DefaultCachePrefix = "TUFFNELLS-"

const (
	defaultConsignmentTTL = 5 * time.Hour
	defaultLabelTTL       = 24 * time.Hour
)

// Config holds Tuffnells portal configuration.
type Config struct {
	AccountID string
	Username  string
	Password  string
	BaseURL   string
	UseMock   bool

	CachePrefix    string        // defaults to DefaultCachePrefix
	ConsignmentTTL time.Duration // defaults to 5h
	LabelTTL       time.Duration // defaults to 24h
	Recorder       Recorder
}

// Client is the Tuffnells portal client.
type Client struct {
	config   Config
	gateway  Gateway
	cache    Cache
	renderer Renderer
	logger   *otelzap.Logger
	tracer   trace.Tracer

	consignmentTTL time.Duration
	labelTTL       time.Duration
}

// New creates a new Tuffnells client with an in-process cache.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	cache := NewMemoryCache()

	var gateway Gateway
	if cfg.UseMock {
		gateway = NewMockGateway()
	} else {
		gateway = NewHTTPGateway(HTTPGatewayConfig{
			BaseURL:     cfg.BaseURL,
			AccountID:   cfg.AccountID,
			Username:    cfg.Username,
			Password:    cfg.Password,
			Cache:       cache,
			CachePrefix: cfg.CachePrefix,
			Logger:      logger,
			Recorder:    cfg.Recorder,
		})
	}

	return newClient(cfg, gateway, cache, logger, tracer)
}

// NewWithGateway creates a new Tuffnells client with a custom gateway.
func NewWithGateway(cfg Config, gateway Gateway, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	return newClient(cfg, gateway, NewMemoryCache(), logger, tracer)
}

func newClient(cfg Config, gateway Gateway, cache Cache, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = DefaultCachePrefix
	}
	if logger == nil {
		logger = otelzap.New(zap.NewNop())
	}
	ttl := cfg.ConsignmentTTL
	if ttl == 0 {
		ttl = defaultConsignmentTTL
	}
	labelTTL := cfg.LabelTTL
	if labelTTL == 0 {
		labelTTL = defaultLabelTTL
	}

	return &Client{
		config:         cfg,
		gateway:        gateway,
		cache:          cache,
		renderer:       NewLabelaryRenderer(),
		logger:         logger,
		tracer:         tracer,
		consignmentTTL: ttl,
		labelTTL:       labelTTL,
	}
}

// Name returns the carrier identifier.
func (c *Client) Name() string {
	return carrierName
}

// SetCache replaces the cache store, e.g. with a shared one.
func (c *Client) SetCache(cache Cache) {
	c.cache = cache
}

// SetCachePrefix replaces the cache key namespace.
func (c *Client) SetCachePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: prefix cannot be empty", ErrInvalidCache)
	}
	c.config.CachePrefix = prefix
	return nil
}

// SetRenderer replaces the label rendering collaborator.
func (c *Client) SetRenderer(r Renderer) {
	c.renderer = r
}

// NewConsignment creates a blank consignment bound to this client.
func (c *Client) NewConsignment() *Consignment {
	return NewConsignment(c, "")
}

// NewAddress creates an address whose postcode lookups go through this
// client.
func (c *Client) NewAddress() *Address {
	return NewAddress(c)
}

// ============================================================================
// Cache glue
// ============================================================================

func (c *Client) cachedBytes(class, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	k := cacheKey(c.config.CachePrefix, class, key)
	b, ok := c.cache.Get(k)
	if ok {
		c.logger.Debug("Cache hit", zap.String("key", k))
	}
	return b, ok
}

// writeCache is best effort: a failed write costs a round trip later, it
// never fails the operation that produced the value.
func (c *Client) writeCache(class, key string, value []byte, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	k := cacheKey(c.config.CachePrefix, class, key)
	if err := c.cache.Set(k, value, ttl); err != nil {
		c.logger.Debug("Failed to save cache", zap.String("key", k), zap.Error(err))
	}
}

func (c *Client) evictCache(class, key string) {
	if c.cache == nil {
		return
	}
	c.cache.Delete(cacheKey(c.config.CachePrefix, class, key))
}

// ============================================================================
// Page helpers
// ============================================================================

// formData fetches a page and flattens it into a field map.
func (c *Client) formData(ctx context.Context, path string) (map[string]string, error) {
	resp, err := c.gateway.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return extractFormData(resp.Body)
}

// viewState fetches a page and extracts the view-state token needed to post
// the next form.
func (c *Client) viewState(ctx context.Context, path string) (string, error) {
	form, err := c.formData(ctx, path)
	if err != nil {
		return "", err
	}
	return viewStateOf(form)
}

func (c *Client) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, nil
	}
	return c.tracer.Start(ctx, name)
}

// ============================================================================
// Operations
// ============================================================================

// ResolvePostcode resolves a postcode to its town and county through the
// portal's postcode search page. Resolved pairs are cached indefinitely;
// postcodes do not change region.
func (c *Client) ResolvePostcode(ctx context.Context, postcode string) (*CityRegion, error) {
	c.logger.Ctx(ctx).Debug("Resolving postcode", zap.String("postcode", postcode))

	if b, ok := c.cachedBytes(cacheKeyPostcode, postcode); ok {
		var cached CityRegion
		if err := json.Unmarshal(b, &cached); err == nil {
			return &cached, nil
		}
	}

	path := "dotweb/postsectorsearch.aspx?PostSector=" + url.QueryEscape(postcode)
	viewState, err := c.viewState(ctx, path)
	if err != nil {
		return nil, err
	}

	resp, err := c.gateway.PostForm(ctx, path, url.Values{
		viewStateField:          {viewState},
		"tbxPostcode":           {postcode},
		"tbxCustName":           {""},
		"tbxThoroughfare":       {""},
		"tbxTownLocality":       {""},
		"Datagrid2:_ctl2:_ctl0": {"Select"},
	})
	if err != nil {
		return nil, err
	}

	result, err := parseRedirectQuery("postcode", resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPostcodeNotValid, postcode)
	}

	cityRegion := &CityRegion{City: result.Get("Town"), Region: result.Get("County")}
	c.logger.Ctx(ctx).Debug("Postcode search successful",
		zap.String("town", cityRegion.City),
		zap.String("county", cityRegion.Region),
	)

	if b, err := json.Marshal(cityRegion); err == nil {
		c.writeCache(cacheKeyPostcode, postcode, b, 0)
	}

	return cityRegion, nil
}

// ResolvePostcode also serves addresses constructed by this client.
var _ PostcodeResolver = (*Client)(nil)

// CreateConsignment books a new consignment. On success the portal-assigned
// URN is written back into the consignment and the consignment is cached.
func (c *Client) CreateConsignment(ctx context.Context, cons *Consignment) error {
	return c.saveConsignment(ctx, cons, "dotweb/consignment.aspx?type=newdel", "create")
}

// AmendConsignment updates an already-created consignment in place.
func (c *Client) AmendConsignment(ctx context.Context, cons *Consignment) error {
	urn, err := cons.URN()
	if err != nil {
		return err
	}
	path := "dotweb/consignment.aspx?type=amend&URN=" + url.QueryEscape(urn)
	return c.saveConsignment(ctx, cons, path, "amend")
}

func (c *Client) saveConsignment(ctx context.Context, cons *Consignment, path, op string) error {
	ctx, span := c.span(ctx, "tuffnells."+op)
	if span != nil {
		defer span.End()
	}

	if err := cons.Validate(); err != nil {
		return err
	}
	if cons.DispatchDate().Before(startOfToday()) {
		return fmt.Errorf("%w: cannot save a consignment older than today", ErrInvalidDispatchDate)
	}

	viewState, err := c.viewState(ctx, path)
	if err != nil {
		return err
	}

	collection := cons.CollectionAddress()
	delivery := cons.DeliveryAddress()

	form := url.Values{
		viewStateField:    {viewState},
		"CustomerAccount": {c.config.AccountID},
		"OurRef":          {cons.CustomerReference()},
		"YourRef":         {cons.TuffnellsReference()},
		"ServiceType":     {strconv.Itoa(int(cons.ServiceType()))},
		"DespatchDate":    {cons.DispatchDate().Format("02/01/2006")},
		"ConRef":          {cons.consignmentNumber},
		"Weight":          {strconv.Itoa(cons.AveragePackageWeight())},

		"ColAddressRef":          {""},
		"ColPostcode":            {collection.Postcode},
		"ColCustomerName":        {collection.Company},
		"ColAddress1":            {collection.Line1},
		"ColAddress2":            {collection.Line2},
		"ColAddress3":            {collection.Line3},
		"ColTown":                {collection.City},
		"ColCounty":              {collection.Region},
		"ColContactName":         {collection.ContactName},
		"ColTelephone":           {collection.ContactPhone},
		"ColSpecialInstructions": {collection.Instructions},
		"DelAddressRef":          {""},
		"DelPostcode":            {delivery.Postcode},
		"DelCountry":             {strconv.Itoa(delivery.CountryCode)},
		"DelCustomerName":        {delivery.Company},
		"DelAddress1":            {delivery.Line1},
		"DelAddress2":            {delivery.Line2},
		"DelAddress3":            {delivery.Line3},
		"DelTown":                {delivery.City},
		"DelCounty":              {delivery.Region},
		"DelContactName":         {delivery.ContactName},
		"DelTelephone":           {delivery.ContactPhone},
		"DelEmailAddress":        {delivery.ContactEmail},
		"DelSpecialInstructions": {delivery.Instructions},

		"tbxCopies": {"1"},
		"Okay":      {"Ok"},
	}
	for i := 0; i < 3; i++ {
		pkg := cons.Package(i)
		n := strconv.Itoa(i + 1)
		form.Set("PackageType"+n, strconv.Itoa(int(pkg.Type())))
		form.Set("Package"+n+"Qty", strconv.Itoa(pkg.Quantity()))
	}

	resp, err := c.gateway.PostForm(ctx, path, form)
	if err != nil {
		return err
	}

	result, err := parseRedirectQuery(op, resp)
	if err != nil {
		return err
	}
	urn := result.Get("URN")
	if urn == "" {
		return NewPortalError(op, "ENDPOINT_ERROR", "URN not created").WithCause(ErrEndpoint)
	}

	if err := cons.SetURN(urn); err != nil {
		return err
	}
	c.logger.Ctx(ctx).Debug("Consignment saved", zap.String("urn", urn))

	c.cacheConsignment(cons)
	return nil
}

// DeleteConsignment voids a consignment. The portal requires the delete form
// echoed back whole rather than a single token.
func (c *Client) DeleteConsignment(ctx context.Context, cons *Consignment) error {
	urn, err := cons.URN()
	if err != nil {
		return err
	}

	path := "dotweb/consignment.aspx?type=delete&URN=" + url.QueryEscape(urn)
	form, err := c.formData(ctx, path)
	if err != nil {
		return err
	}

	resp, err := c.gateway.PostForm(ctx, path, formValues(form))
	if err != nil {
		return err
	}
	if resp.StatusCode != 302 {
		return NewPortalError("delete", "ENDPOINT_ERROR", "failed to delete consignment "+urn).
			WithStatusCode(resp.StatusCode).
			WithCause(ErrEndpoint)
	}

	c.logger.Ctx(ctx).Debug("Consignment deleted", zap.String("urn", urn))
	c.evictCache(cacheKeyURN, urn)
	return nil
}

// GetConsignment loads a consignment by URN, from the cache when possible
// and otherwise by scraping the portal's view form.
func (c *Client) GetConsignment(ctx context.Context, urn string) (*Consignment, error) {
	if urn == "" {
		return nil, ErrInvalidURN
	}

	if b, ok := c.cachedBytes(cacheKeyURN, urn); ok {
		cached := new(Consignment)
		if err := json.Unmarshal(b, cached); err == nil {
			// Cached entities may have been hydrated under a different
			// session; bind them to the live one.
			cached.attach(c)
			c.logger.Ctx(ctx).Debug("Consignment retrieved from cache", zap.String("urn", urn))
			return cached, nil
		}
	}

	c.logger.Ctx(ctx).Debug("Retrieving consignment", zap.String("urn", urn))

	form, err := c.formData(ctx, "dotweb/consignment.aspx?type=view&URN="+url.QueryEscape(urn))
	if err != nil {
		return nil, err
	}
	if form["ConRef"] == "" {
		return nil, fmt.Errorf("%w: urn %s", ErrConsignmentNotFound, urn)
	}

	cons := NewConsignment(c, urn)
	cons.SetCustomerReference(form["OurRef"])
	cons.SetTuffnellsReference(form["YourRef"])

	for i := 0; i < 3; i++ {
		n := strconv.Itoa(i + 1)
		pkg := NewPackage()
		if form["Package"+n+"Qty"] != "" {
			pkg.SetWeight(atoi(form["Weight"]))
			if err := pkg.SetQuantity(atoi(form["Package"+n+"Qty"])); err != nil {
				return nil, err
			}
			if err := pkg.SetType(PackageType(atoi(form["PackageType"+n]))); err != nil {
				return nil, err
			}
		}
		cons.SetPackage(i, pkg)
	}

	if err := cons.SetServiceType(ServiceType(atoi(form["ServiceType"]))); err != nil {
		return nil, err
	}
	if err := cons.SetConsignmentNumber(form["ConRef"]); err != nil {
		return nil, err
	}
	if date, err := time.Parse("02/01/2006", form["DespatchDate"]); err == nil {
		if err := cons.SetDispatchDate(date); err != nil {
			return nil, err
		}
	}

	delivery := NewAddress(c)
	delivery.Company = form["DelCustomerName"]
	delivery.Line1 = form["DelAddress1"]
	delivery.Line2 = form["DelAddress2"]
	delivery.Line3 = form["DelAddress3"]
	// Town and county are already on the page; pairing them with the
	// postcode avoids a redundant lookup round trip.
	if err := delivery.SetPostcode(ctx, form["DelPostcode"], &CityRegion{City: form["DelTown"], Region: form["DelCounty"]}); err != nil {
		return nil, err
	}
	delivery.ContactName = form["DelContactName"]
	delivery.ContactPhone = form["DelTelephone"]
	if cc := atoi(form["DelCountry"]); cc != 0 {
		delivery.CountryCode = cc
	}
	if form["DelEmailAddress"] != "" {
		delivery.ContactEmail = form["DelEmailAddress"]
	}
	delivery.TailLift = form["DelTailLift"] != ""
	cons.SetDeliveryAddress(delivery)

	collection := NewAddress(c)
	collection.Company = form["ColCustomerName"]
	collection.Line1 = form["ColAddress1"]
	collection.Line2 = form["ColAddress2"]
	collection.Line3 = form["ColAddress3"]
	if err := collection.SetPostcode(ctx, form["ColPostcode"], &CityRegion{City: form["ColTown"], Region: form["ColCounty"]}); err != nil {
		return nil, err
	}
	collection.ContactName = form["ColContactName"]
	collection.ContactPhone = form["ColTelephone"]
	if cc := atoi(form["ColCountry"]); cc != 0 {
		collection.CountryCode = cc
	}
	collection.TailLift = form["ColTailLift"] != ""
	cons.SetCollectionAddress(collection)

	c.logger.Ctx(ctx).Debug("Consignment retrieved", zap.String("urn", urn))
	c.cacheConsignment(cons)
	return cons, nil
}

// GetConsignments loads several distinct URNs concurrently. Concurrent calls
// against the same URN are not coordinated; the portal's view-state is
// single-use.
func (c *Client) GetConsignments(ctx context.Context, urns []string) ([]*Consignment, []error) {
	results := make([]*Consignment, 0, len(urns))
	errs := make([]error, 0)
	mu := &sync.Mutex{}

	g, ctx := errgroup.WithContext(ctx)
	for _, urn := range urns {
		g.Go(func() error {
			cons, err := c.GetConsignment(ctx, urn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", urn, err))
				return nil
			}
			results = append(results, cons)
			return nil
		})
	}
	g.Wait()
	return results, errs
}

// TrackConsignment refreshes a consignment's status from the portal's
// tracking page, deriving lifecycle state from the scraped movement rows.
// Delivered is terminal; a delivered consignment is returned untouched.
func (c *Client) TrackConsignment(ctx context.Context, cons *Consignment) error {
	ctx, span := c.span(ctx, "tuffnells.track")
	if span != nil {
		defer span.End()
	}

	urn, err := cons.URN()
	if err != nil {
		return err
	}
	c.logger.Ctx(ctx).Debug("Tracking consignment", zap.String("urn", urn))

	if cons.Status() == StatusDelivered {
		c.logger.Ctx(ctx).Debug("Consignment already delivered, tracking served from cache")
		return nil
	}

	if cons.DeliveryAddress() == nil {
		return fmt.Errorf("%w: delivery address not set", ErrInvalidConsignment)
	}
	number, err := cons.ConsignmentNumber(ctx)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("ezpod/tracking.aspx?acc=%s&con=%s&delpc=%s",
		url.QueryEscape(c.config.AccountID),
		url.QueryEscape(number),
		url.QueryEscape(cons.DeliveryAddress().Postcode),
	)
	resp, err := c.gateway.Get(ctx, path)
	if err != nil {
		return err
	}

	doc, err := goqueryDocument(resp.Body)
	if err != nil {
		return err
	}

	movements := doc.Find("#grdMovements tr")
	if movements.Length() == 0 {
		// Nothing booked in at a depot yet.
		return cons.SetStatus(StatusAwaitingPickup)
	}

	history := NewHistory()
	movements.Each(func(i int, row *goquery.Selection) {
		if i == 0 { // header row
			return
		}
		cols := row.Find("td")
		log := &Log{
			Description:       cellText(cols, 1),
			DeliveryDepot:     cellText(cols, 2),
			RoundNumber:       cellText(cols, 3),
			PackagesReceived:  atoi(cellText(cols, 5)),
			PackagesDelivered: atoi(cellText(cols, 6)),
		}
		if date, err := time.Parse("02/01/06", cellText(cols, 0)); err == nil {
			log.Date = date
		}
		if date, err := time.Parse("02/01/06", cellText(cols, 4)); err == nil {
			log.DeliveryDate = date
		}
		history.Add(log)
	})

	if history.Count() > 0 {
		cons.SetLogs(history)
		if err := cons.SetStatus(history.Status()); err != nil {
			return err
		}
	}

	switch cons.Status() {
	case StatusAwaitingPickup:
		// Depot scans precede movement-table entries.
		if doc.Find("#grdScans .GridItem").Length() > 0 {
			if err := cons.SetStatus(StatusInTransit); err != nil {
				return err
			}
		}
	case StatusDelivered:
		signatures := NewSignatures()
		rows := doc.Find("#grdTimed .GridItem")
		c.logger.Ctx(ctx).Debug("Parsing signatures", zap.Int("count", rows.Length()))
		rows.Each(func(_ int, row *goquery.Selection) {
			cols := row.Find("td")
			sig := &Signature{Signature: cellText(cols, 0)}
			if ts, err := time.Parse("02/01/06 15:04:05", cellText(cols, 1)+" "+cellText(cols, 2)); err == nil {
				sig.Timestamp = ts
			}
			signatures.Add(sig)
		})
		cons.SetSignatures(signatures)
	}

	c.cacheConsignment(cons)
	return nil
}

// labelPattern matches the portal's ActiveX print call; its first quoted
// argument is the raw ZPL.
var labelPattern = regexp.MustCompile(`AxVistaPrint\.CreateFile \("(.+)","(.+)","(.+)"\)`)

// GetLabels scrapes the raw ZPL printer markup for a consignment out of the
// portal's label page.
func (c *Client) GetLabels(ctx context.Context, cons *Consignment) (*Label, error) {
	urn, err := cons.URN()
	if err != nil {
		return nil, err
	}

	if b, ok := c.cachedBytes(cacheKeyLabel, urn); ok {
		return NewLabel(urn, string(b), c.renderer), nil
	}

	c.logger.Ctx(ctx).Debug("Fetching consignment labels", zap.String("urn", urn))

	path := fmt.Sprintf("dotweb/VistaPrint.aspx?URN=%s&Copies=1&Printer=%s&StartQty=",
		url.QueryEscape(urn),
		url.QueryEscape(`\\127.0.0.1\ZEBRA`),
	)
	resp, err := c.gateway.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	matches := labelPattern.FindStringSubmatch(resp.Body)
	if len(matches) < 2 || matches[1] == "" {
		return nil, NewPortalError("labels", "ENDPOINT_ERROR", "endpoint display error").
			WithStatusCode(resp.StatusCode).
			WithCause(ErrEndpoint)
	}

	// Strip the portal's javascript framing from the markup.
	zpl := strings.ReplaceAll(matches[1], "CRLF", "\n")
	zpl = strings.ReplaceAll(zpl, "%%@@", "")

	c.writeCache(cacheKeyLabel, urn, []byte(zpl), c.labelTTL)
	return NewLabel(urn, zpl, c.renderer), nil
}

func (c *Client) cacheConsignment(cons *Consignment) {
	if cons.urn == "" {
		return
	}
	b, err := json.Marshal(cons)
	if err != nil {
		c.logger.Debug("Failed to serialize consignment for cache", zap.Error(err))
		return
	}
	c.writeCache(cacheKeyURN, cons.urn, b, c.consignmentTTL)
}

// atoi is a tolerant strconv.Atoi; the portal's grids render blanks and
// non-numeric placeholders where counts are expected.
func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
