package tuffnells

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Status represents the normalized lifecycle status of a consignment.
type Status int

const (
	StatusAwaitingPickup Status = 1
	StatusInTransit      Status = 2
	StatusOutForDelivery Status = 3
	StatusDelivered      Status = 4
)

// Valid reports whether the status is one of the four defined values.
func (s Status) Valid() bool {
	return s >= StatusAwaitingPickup && s <= StatusDelivered
}

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusAwaitingPickup:
		return "awaiting_pickup"
	case StatusInTransit:
		return "in_transit"
	case StatusOutForDelivery:
		return "out_for_delivery"
	case StatusDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// ServiceType represents the portal's numeric service code.
type ServiceType int

const (
	ServiceNextDay         ServiceType = 1
	ServicePre12           ServiceType = 2
	ServicePre10           ServiceType = 3
	ServiceSaturdayAM      ServiceType = 4
	ServiceTwoDay          ServiceType = 5
	ServiceThreeDay        ServiceType = 6
	ServiceOffshore        ServiceType = 7
	ServiceOffshoreNextDay ServiceType = 8
	ServiceSaturday        ServiceType = 9
	ServicePre930          ServiceType = 10
)

// Valid reports whether the service type is one the portal accepts.
func (t ServiceType) Valid() bool {
	return t >= ServiceNextDay && t <= ServicePre930
}

// PackageType represents the portal's numeric package code.
type PackageType int

const (
	PackageCarton  PackageType = 1
	PackageRoll    PackageType = 2
	PackageDrum    PackageType = 3
	PackagePallet  PackageType = 4
	PackageDataBag PackageType = 5
)

// Valid reports whether the package type is one the portal accepts.
func (t PackageType) Valid() bool {
	return t >= PackageCarton && t <= PackageDataBag
}

// CityRegion is the immutable town/county pair resolved from a postcode.
type CityRegion struct {
	City   string `json:"city"`
	Region string `json:"region"`
}

// PostcodeResolver resolves a postcode to its city and region. *Client
// implements it against the portal's postcode search page.
type PostcodeResolver interface {
	ResolvePostcode(ctx context.Context, postcode string) (*CityRegion, error)
}

// Package is one of the three package slots on a consignment.
type Package struct {
	packageType PackageType
	weight      int
	quantity    int
}

// NewPackage creates an empty carton slot, matching the portal's default.
func NewPackage() *Package {
	return &Package{packageType: PackageCarton}
}

// SetType sets the package type.
func (p *Package) SetType(t PackageType) error {
	if !t.Valid() {
		return ErrInvalidPackageType
	}
	p.packageType = t
	return nil
}

// Type returns the package type.
func (p *Package) Type() PackageType { return p.packageType }

// SetWeight sets the package weight in kilograms.
func (p *Package) SetWeight(weight int) { p.weight = weight }

// Weight returns the package weight.
func (p *Package) Weight() int { return p.weight }

// SetQuantity sets the number of packages in the slot.
func (p *Package) SetQuantity(quantity int) error {
	if quantity < 1 {
		return ErrInvalidPackageQuantity
	}
	p.quantity = quantity
	return nil
}

// Quantity returns the number of packages in the slot.
func (p *Package) Quantity() int { return p.quantity }

// Valid reports whether the slot holds at least one package with weight.
func (p *Package) Valid() bool {
	return p.quantity >= 1 && p.weight >= 1
}

type packageJSON struct {
	Type     PackageType `json:"type"`
	Weight   int         `json:"weight"`
	Quantity int         `json:"quantity"`
}

// MarshalJSON implements json.Marshaler.
func (p Package) MarshalJSON() ([]byte, error) {
	return json.Marshal(packageJSON{Type: p.packageType, Weight: p.weight, Quantity: p.quantity})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Package) UnmarshalJSON(data []byte) error {
	var v packageJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.packageType = v.Type
	p.weight = v.Weight
	p.quantity = v.Quantity
	if p.packageType == 0 {
		p.packageType = PackageCarton
	}
	return nil
}

// Address is a collection or delivery address. City and region are either
// supplied alongside the postcode or resolved against the portal's postcode
// search; the resolver reference is non-owning and re-attached after a
// consignment is decoded from the cache.
type Address struct {
	Company      string `json:"company,omitempty"`
	Line1        string `json:"line1"`
	Line2        string `json:"line2,omitempty"`
	Line3        string `json:"line3,omitempty"`
	City         string `json:"city"`
	Region       string `json:"region"`
	Postcode     string `json:"postcode"`
	ContactName  string `json:"contact_name"`
	ContactPhone string `json:"contact_phone,omitempty"`
	ContactEmail string `json:"contact_email,omitempty"`
	CountryCode  int    `json:"country_code"`
	Instructions string `json:"instructions,omitempty"`
	TailLift     bool   `json:"tail_lift,omitempty"`

	resolver PostcodeResolver
}

// NewAddress creates an address bound to a postcode resolver. The country
// code defaults to the UK dialing code the portal expects.
func NewAddress(resolver PostcodeResolver) *Address {
	return &Address{CountryCode: 44, resolver: resolver}
}

// SetResolver re-attaches the postcode resolver, typically after the address
// was reconstructed from serialized bytes.
func (a *Address) SetResolver(resolver PostcodeResolver) {
	a.resolver = resolver
}

// SetPostcode records the postcode together with its city and region. When
// cityRegion is nil the pair is resolved through the attached resolver, which
// costs a round trip on the first call per postcode.
func (a *Address) SetPostcode(ctx context.Context, postcode string, cityRegion *CityRegion) error {
	if cityRegion == nil {
		resolved, err := a.resolver.ResolvePostcode(ctx, postcode)
		if err != nil {
			return err
		}
		cityRegion = resolved
	}
	a.Postcode = postcode
	a.City = cityRegion.City
	a.Region = cityRegion.Region
	return nil
}

// Valid reports whether the address carries everything the portal requires.
func (a *Address) Valid() bool {
	return a.Line1 != "" && a.City != "" && a.ContactName != "" && a.Region != "" && a.Postcode != ""
}

// Consignment is a shipment booking on the Tuffnells portal. A consignment
// without a URN has not been created remotely yet; the URN is assigned by the
// portal on the first successful save.
type Consignment struct {
	client *Client

	urn                string
	consignmentNumber  string
	customerReference  string
	tuffnellsReference string
	dispatchDate       time.Time
	packages           [3]*Package
	collection         *Address
	delivery           *Address
	serviceType        ServiceType
	status             Status
	logs               *History
	signatures         *Signatures
	labels             *Label
}

// NewConsignment creates a consignment attached to a client. An empty urn
// means the consignment has not been created on the portal yet.
func NewConsignment(client *Client, urn string) *Consignment {
	c := &Consignment{
		client:       client,
		urn:          urn,
		dispatchDate: time.Now(),
		serviceType:  ServiceNextDay,
		status:       StatusAwaitingPickup,
	}
	for i := range c.packages {
		c.packages[i] = NewPackage()
	}
	return c
}

// attach re-binds the consignment and its addresses to a live client after
// reconstruction from the cache.
func (c *Consignment) attach(client *Client) {
	c.client = client
	if c.collection != nil {
		c.collection.SetResolver(client)
	}
	if c.delivery != nil {
		c.delivery.SetResolver(client)
	}
}

// SetURN records the portal-assigned reference.
func (c *Consignment) SetURN(urn string) error {
	if urn == "" {
		return ErrInvalidURN
	}
	c.urn = urn
	return nil
}

// URN returns the portal-assigned reference, or an error if the consignment
// has not been created yet.
func (c *Consignment) URN() (string, error) {
	if c.urn == "" {
		return "", fmt.Errorf("%w: urn not set", ErrInvalidURN)
	}
	return c.urn, nil
}

// HasURN reports whether the portal has assigned a reference yet.
func (c *Consignment) HasURN() bool { return c.urn != "" }

// SetStatus sets the lifecycle status.
func (c *Consignment) SetStatus(status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status not valid", ErrInvalidConsignment)
	}
	c.status = status
	return nil
}

// Status returns the lifecycle status.
func (c *Consignment) Status() Status { return c.status }

// SetServiceType sets the portal service code.
func (c *Consignment) SetServiceType(t ServiceType) error {
	if !t.Valid() {
		return fmt.Errorf("%w: invalid service type", ErrInvalidConsignment)
	}
	c.serviceType = t
	return nil
}

// ServiceType returns the portal service code.
func (c *Consignment) ServiceType() ServiceType { return c.serviceType }

// SetConsignmentNumber sets the caller-chosen consignment number.
func (c *Consignment) SetConsignmentNumber(number string) error {
	if number == "" {
		return fmt.Errorf("%w: consignment number cannot be blank", ErrInvalidConsignment)
	}
	c.consignmentNumber = number
	return nil
}

// ConsignmentNumber returns the consignment number, loading the consignment
// from the portal when the number is not held locally.
func (c *Consignment) ConsignmentNumber(ctx context.Context) (string, error) {
	if c.consignmentNumber == "" {
		urn, err := c.URN()
		if err != nil {
			return "", err
		}
		remote, err := c.client.GetConsignment(ctx, urn)
		if err != nil {
			return "", err
		}
		c.consignmentNumber = remote.consignmentNumber
	}
	return c.consignmentNumber, nil
}

// SetCustomerReference sets the caller's own reference string.
func (c *Consignment) SetCustomerReference(ref string) { c.customerReference = ref }

// CustomerReference returns the caller's own reference string.
func (c *Consignment) CustomerReference() string { return c.customerReference }

// SetTuffnellsReference sets the carrier-side reference string.
func (c *Consignment) SetTuffnellsReference(ref string) { c.tuffnellsReference = ref }

// TuffnellsReference returns the carrier-side reference string.
func (c *Consignment) TuffnellsReference() string { return c.tuffnellsReference }

// SetDispatchDate sets the dispatch date. Before the portal has assigned a
// URN, dates earlier than today are rejected; once a URN exists the amend
// path accepts past dates, matching the portal's own behavior.
func (c *Consignment) SetDispatchDate(date time.Time) error {
	if c.urn == "" && date.Before(startOfToday()) {
		return ErrInvalidDispatchDate
	}
	c.dispatchDate = date
	return nil
}

// DispatchDate returns the dispatch date.
func (c *Consignment) DispatchDate() time.Time { return c.dispatchDate }

// Package returns one of the three package slots, indexed 0 to 2.
func (c *Consignment) Package(i int) *Package { return c.packages[i] }

// SetPackage replaces one of the three package slots, indexed 0 to 2.
func (c *Consignment) SetPackage(i int, p *Package) { c.packages[i] = p }

// SetCollectionAddress sets the collection address.
func (c *Consignment) SetCollectionAddress(a *Address) { c.collection = a }

// CollectionAddress returns the collection address.
func (c *Consignment) CollectionAddress() *Address { return c.collection }

// SetDeliveryAddress sets the delivery address.
func (c *Consignment) SetDeliveryAddress(a *Address) { c.delivery = a }

// DeliveryAddress returns the delivery address.
func (c *Consignment) DeliveryAddress() *Address { return c.delivery }

// SetLogs sets the movement history.
func (c *Consignment) SetLogs(logs *History) { c.logs = logs }

// Logs returns the movement history recorded by the last tracking call.
func (c *Consignment) Logs() (*History, error) {
	if c.logs == nil {
		return nil, fmt.Errorf("%w: logs not set", ErrInvalidConsignment)
	}
	return c.logs, nil
}

// SetSignatures sets the proof-of-delivery signature set.
func (c *Consignment) SetSignatures(s *Signatures) { c.signatures = s }

// Signatures returns the proof-of-delivery set. It is only meaningful once
// the consignment has been delivered.
func (c *Consignment) Signatures() (*Signatures, error) {
	if c.status != StatusDelivered {
		return nil, fmt.Errorf("%w: consignment not delivered yet", ErrInvalidConsignment)
	}
	return c.signatures, nil
}

// AveragePackageWeight returns the quantity-weighted average weight across
// the three slots, rounded up to the next whole kilogram.
func (c *Consignment) AveragePackageWeight() int {
	weight := 0
	quantity := 0
	for _, p := range c.packages {
		weight += p.Weight() * p.Quantity()
		quantity += p.Quantity()
	}
	if quantity < 1 {
		return 0
	}
	return int(math.Ceil(float64(weight) / float64(quantity)))
}

// Validate checks the consignment is complete enough to submit: at least one
// valid package slot, both addresses valid, and a consignment number.
func (c *Consignment) Validate() error {
	if !c.packages[0].Valid() && !c.packages[1].Valid() && !c.packages[2].Valid() {
		return fmt.Errorf("%w: no valid packages", ErrInvalidConsignment)
	}
	if c.collection == nil || !c.collection.Valid() {
		return fmt.Errorf("%w: collection address invalid", ErrInvalidConsignment)
	}
	if c.delivery == nil || !c.delivery.Valid() {
		return fmt.Errorf("%w: delivery address invalid", ErrInvalidConsignment)
	}
	if c.consignmentNumber == "" {
		return fmt.Errorf("%w: consignment number invalid", ErrInvalidConsignment)
	}
	return nil
}

// Save creates the consignment when no URN is assigned yet, or amends the
// existing one otherwise.
func (c *Consignment) Save(ctx context.Context) error {
	if c.urn == "" {
		return c.client.CreateConsignment(ctx, c)
	}
	return c.client.AmendConsignment(ctx, c)
}

// Delete voids the consignment on the portal.
func (c *Consignment) Delete(ctx context.Context) error {
	return c.client.DeleteConsignment(ctx, c)
}

// UpdateTracking refreshes status, history and signatures from the portal.
func (c *Consignment) UpdateTracking(ctx context.Context) error {
	return c.client.TrackConsignment(ctx, c)
}

// Labels returns the consignment's label, fetching it once and memoizing.
func (c *Consignment) Labels(ctx context.Context) (*Label, error) {
	if c.labels == nil {
		label, err := c.client.GetLabels(ctx, c)
		if err != nil {
			return nil, err
		}
		c.labels = label
	}
	return c.labels, nil
}

type consignmentJSON struct {
	URN                string      `json:"urn,omitempty"`
	ConsignmentNumber  string      `json:"consignment_number,omitempty"`
	CustomerReference  string      `json:"customer_reference,omitempty"`
	TuffnellsReference string      `json:"tuffnells_reference,omitempty"`
	DispatchDate       time.Time   `json:"dispatch_date"`
	ServiceType        ServiceType `json:"service_type"`
	Status             Status      `json:"status"`
	Packages           [3]*Package `json:"packages"`
	Collection         *Address    `json:"collection,omitempty"`
	Delivery           *Address    `json:"delivery,omitempty"`
	Logs               *History    `json:"logs,omitempty"`
	Signatures         *Signatures `json:"signatures,omitempty"`
}

// MarshalJSON implements json.Marshaler so consignments survive the cache.
func (c *Consignment) MarshalJSON() ([]byte, error) {
	return json.Marshal(consignmentJSON{
		URN:                c.urn,
		ConsignmentNumber:  c.consignmentNumber,
		CustomerReference:  c.customerReference,
		TuffnellsReference: c.tuffnellsReference,
		DispatchDate:       c.dispatchDate,
		ServiceType:        c.serviceType,
		Status:             c.status,
		Packages:           c.packages,
		Collection:         c.collection,
		Delivery:           c.delivery,
		Logs:               c.logs,
		Signatures:         c.signatures,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The client reference is not part
// of the wire form; callers re-attach it after decoding.
func (c *Consignment) UnmarshalJSON(data []byte) error {
	var v consignmentJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.urn = v.URN
	c.consignmentNumber = v.ConsignmentNumber
	c.customerReference = v.CustomerReference
	c.tuffnellsReference = v.TuffnellsReference
	c.dispatchDate = v.DispatchDate
	c.serviceType = v.ServiceType
	c.status = v.Status
	c.packages = v.Packages
	for i := range c.packages {
		if c.packages[i] == nil {
			c.packages[i] = NewPackage()
		}
	}
	c.collection = v.Collection
	c.delivery = v.Delivery
	c.logs = v.Logs
	c.signatures = v.Signatures
	if c.serviceType == 0 {
		c.serviceType = ServiceNextDay
	}
	if c.status == 0 {
		c.status = StatusAwaitingPickup
	}
	if c.dispatchDate.IsZero() {
		c.dispatchDate = time.Now()
	}
	return nil
}

// startOfToday returns today's date with the time of day zeroed.
func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
