// Package naan models the records of the NAAN registry: Name Assigning
// Authority Numbers, the shoulders carved out beneath them, and the public
// projections of both. Records are built from parsed ANVL blocks and merged
// under a strict key-immutability contract.
package naan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CDLUC3/naanreg/core/anvl"
	"github.com/CDLUC3/naanreg/core/errors"
)

// Record type discriminators as stored in the JSON document.
const (
	TypeNAAN           = "NAAN"
	TypePublicNAAN     = "PublicNAAN"
	TypeShoulder       = "NAANShoulder"
	TypePublicShoulder = "PublicNAANShoulder"
)

// Record is the closed set of storable registry entries: NAAN, Shoulder, and
// their public projections.
type Record interface {
	// Identifier returns the record key: the NAAN value, or "naan/shoulder".
	Identifier() string
	// Type returns the rtype discriminator.
	Type() string
	// Public returns the public projection of the record. Public records
	// return themselves.
	Public() Record

	sealed()
}

// Who identifies the organization responsible for a NAAN or Shoulder. The
// address only appears on private records.
type Who struct {
	Name       string `json:"name"`
	NameNative string `json:"name_native,omitempty"`
	Acronym    string `json:"acronym,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Policy records the management practice and tenure for a NAAN.
type Policy struct {
	OrgType   string `json:"orgtype"`
	Policy    string `json:"policy"`
	Tenure    string `json:"tenure"`
	PolicyURL string `json:"policy_url,omitempty"`
}

// Target is the redirect template a resolver uses for identifiers beneath a
// NAAN or Shoulder. The URL carries ${pid}, ${content} or ${value}
// substitution markers.
type Target struct {
	URL      string `json:"url"`
	HTTPCode int    `json:"http_code"`
}

// Contact is a private point of contact for a record.
type Contact struct {
	Name   string `json:"name"`
	Unit   string `json:"unit,omitempty"`
	Tenure string `json:"tenure,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// Comment preserves an unrecognized !-prefixed ANVL field as a single-key
// mapping.
type Comment map[string]any

// PublicNAAN is the public projection of a NAAN record.
type PublicNAAN struct {
	What            string   `json:"what"`
	Where           string   `json:"where"`
	Target          Target   `json:"target"`
	When            Timestamp `json:"when"`
	Who             Who      `json:"who"`
	Policy          Policy   `json:"na_policy"`
	TestIdentifier  string   `json:"test_identifier,omitempty"`
	ServiceProvider string   `json:"service_provider,omitempty"`
	Purpose         string   `json:"purpose,omitempty"`
	RType           string   `json:"rtype"`
}

func (p *PublicNAAN) Identifier() string { return p.What }
func (p *PublicNAAN) Type() string       { return TypePublicNAAN }
func (p *PublicNAAN) Public() Record     { return p }
func (p *PublicNAAN) sealed()            {}

// Merge builds a new PublicNAAN taking the incoming record's attributes.
// The key field is immutable; a differing what fails without side effects.
func (p *PublicNAAN) Merge(in Record) (*PublicNAAN, error) {
	var core PublicNAAN
	switch r := in.(type) {
	case *PublicNAAN:
		core = *r
	case *NAAN:
		core = r.PublicNAAN
	default:
		return nil, errors.NewValidation("rtype", in.Type(), "cannot merge into a NAAN record")
	}
	if core.What != p.What {
		return nil, errors.NewValidation("what", core.What,
			fmt.Sprintf("cannot update the naan value, incoming %s != %s", core.What, p.What))
	}
	out := core
	out.Who.Address = p.Who.Address
	out.RType = TypePublicNAAN
	return &out, nil
}

// NAAN is the full, private registry record for a Name Assigning Authority
// Number.
type NAAN struct {
	PublicNAAN
	Why              string    `json:"why,omitempty"`
	Contact          *Contact  `json:"contact,omitempty"`
	AlternateContact *Contact  `json:"alternate_contact,omitempty"`
	Comments         []Comment `json:"comments,omitempty"`
	Provider         string    `json:"provider,omitempty"`
}

func (n *NAAN) Type() string { return TypeNAAN }

// Public projects the record to its public view, dropping the address,
// contacts, comments and provider.
func (n *NAAN) Public() Record {
	pub := n.PublicNAAN
	pub.Who.Address = ""
	pub.RType = TypePublicNAAN
	return &pub
}

// Merge builds a new NAAN taking the incoming record's attributes and a
// fresh modification time. Private fields are retained as-is when the
// incoming record is a public view.
func (n *NAAN) Merge(in Record) (*NAAN, error) {
	out := *n
	switch r := in.(type) {
	case *NAAN:
		if r.What != n.What {
			return nil, keyMismatch("naan", r.What, n.What)
		}
		addr := r.Who.Address
		out.PublicNAAN = r.PublicNAAN
		out.Who.Address = addr
		out.Why = r.Why
		out.Contact = r.Contact.clone()
		out.AlternateContact = r.AlternateContact.clone()
		out.Comments = cloneComments(r.Comments)
		out.Provider = r.Provider
	case *PublicNAAN:
		if r.What != n.What {
			return nil, keyMismatch("naan", r.What, n.What)
		}
		addr := n.Who.Address
		out.PublicNAAN = *r
		out.Who.Address = addr
	default:
		return nil, errors.NewValidation("rtype", in.Type(), "cannot merge into a NAAN record")
	}
	out.When = Now()
	out.RType = TypeNAAN
	return &out, nil
}

// PublicShoulder is the public projection of a Shoulder record.
type PublicShoulder struct {
	Shoulder       string    `json:"shoulder"`
	NAAN           string    `json:"naan"`
	What           string    `json:"what"`
	Who            Who       `json:"who"`
	Where          string    `json:"where"`
	Target         Target    `json:"target"`
	When           Timestamp `json:"when"`
	Policy         Policy    `json:"na_policy"`
	TestIdentifier string    `json:"test_identifier,omitempty"`
	RType          string    `json:"rtype"`
}

func (p *PublicShoulder) Identifier() string { return p.NAAN + "/" + p.Shoulder }
func (p *PublicShoulder) Type() string       { return TypePublicShoulder }
func (p *PublicShoulder) Public() Record     { return p }
func (p *PublicShoulder) sealed()            {}

// Merge builds a new PublicShoulder from the incoming record. Both key
// components are immutable.
func (p *PublicShoulder) Merge(in Record) (*PublicShoulder, error) {
	var core PublicShoulder
	switch r := in.(type) {
	case *PublicShoulder:
		core = *r
	case *Shoulder:
		core = r.PublicShoulder
	default:
		return nil, errors.NewValidation("rtype", in.Type(), "cannot merge into a shoulder record")
	}
	if err := checkShoulderKey(p.NAAN, p.Shoulder, core.NAAN, core.Shoulder); err != nil {
		return nil, err
	}
	out := core
	out.What = out.NAAN + "/" + out.Shoulder
	out.Who.Address = p.Who.Address
	out.RType = TypePublicShoulder
	return &out, nil
}

// Shoulder is the full, private record for a shoulder beneath a NAAN.
type Shoulder struct {
	PublicShoulder
	Contact          *Contact  `json:"contact,omitempty"`
	AlternateContact *Contact  `json:"alternate_contact,omitempty"`
	Comments         []Comment `json:"comments,omitempty"`
	Provider         string    `json:"provider,omitempty"`
}

func (s *Shoulder) Type() string { return TypeShoulder }

// Public projects the record to its public view.
func (s *Shoulder) Public() Record {
	pub := s.PublicShoulder
	pub.Who.Address = ""
	pub.RType = TypePublicShoulder
	return &pub
}

// Merge builds a new Shoulder from the incoming record, taking the incoming
// modification time as given. Private fields are retained when the incoming
// record is a public view.
func (s *Shoulder) Merge(in Record) (*Shoulder, error) {
	out := *s
	switch r := in.(type) {
	case *Shoulder:
		if err := checkShoulderKey(s.NAAN, s.Shoulder, r.NAAN, r.Shoulder); err != nil {
			return nil, err
		}
		addr := r.Who.Address
		out.PublicShoulder = r.PublicShoulder
		out.Who.Address = addr
		out.Contact = r.Contact.clone()
		out.AlternateContact = r.AlternateContact.clone()
		out.Comments = cloneComments(r.Comments)
		out.Provider = r.Provider
	case *PublicShoulder:
		if err := checkShoulderKey(s.NAAN, s.Shoulder, r.NAAN, r.Shoulder); err != nil {
			return nil, err
		}
		addr := s.Who.Address
		out.PublicShoulder = *r
		out.Who.Address = addr
	default:
		return nil, errors.NewValidation("rtype", in.Type(), "cannot merge into a shoulder record")
	}
	out.What = out.NAAN + "/" + out.Shoulder
	out.RType = TypeShoulder
	return &out, nil
}

func keyMismatch(field, incoming, existing string) error {
	return errors.NewValidation(field, incoming,
		fmt.Sprintf("cannot update the %s value, incoming %s != %s", field, incoming, existing))
}

func checkShoulderKey(naan, shoulder, inNAAN, inShoulder string) error {
	if inShoulder != shoulder {
		return keyMismatch("shoulder", inShoulder, shoulder)
	}
	if inNAAN != naan {
		return keyMismatch("naan", inNAAN, naan)
	}
	return nil
}

func (c *Contact) clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

func cloneComments(comments []Comment) []Comment {
	if comments == nil {
		return nil
	}
	out := make([]Comment, 0, len(comments))
	for _, c := range comments {
		m := make(Comment, len(c))
		for k, v := range c {
			switch vv := v.(type) {
			case []string:
				m[k] = append([]string(nil), vv...)
			case []any:
				m[k] = append([]any(nil), vv...)
			default:
				m[k] = v
			}
		}
		out = append(out, m)
	}
	return out
}

// DecodeRecord unmarshals one stored record, dispatching on the rtype
// discriminator. An unknown or missing rtype is a validation error.
func DecodeRecord(data []byte) (Record, error) {
	var probe struct {
		RType string `json:"rtype"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.NewValidation("rtype", "", "record is not a JSON object")
	}
	switch probe.RType {
	case TypeNAAN:
		var r NAAN
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "decoding NAAN record")
		}
		return &r, nil
	case TypePublicNAAN:
		var r PublicNAAN
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "decoding PublicNAAN record")
		}
		return &r, nil
	case TypeShoulder:
		var r Shoulder
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "decoding NAANShoulder record")
		}
		return &r, nil
	case TypePublicShoulder:
		var r PublicShoulder
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrap(err, "decoding PublicNAANShoulder record")
		}
		return &r, nil
	}
	return nil, errors.NewValidation("rtype", probe.RType, "unknown record type")
}

// NAANFromBlock builds a NAAN record from a parsed ANVL block. The block
// must use the registry's nested `naa:` shape and carry a `what` field.
// A nil log suppresses target-derivation diagnostics.
func NAANFromBlock(blk *anvl.Block, log *slog.Logger) (*NAAN, error) {
	data, ok := blk.Section("naa")
	if !ok {
		return nil, errors.NewValidation("what", "", "NAAN record has no 'what' field")
	}
	rec := &NAAN{
		PublicNAAN: PublicNAAN{Purpose: "unspecified", RType: TypeNAAN},
		Why:        "ARK",
	}
	var address string
	whatSeen, whoSeen := false, false
	for _, f := range data.Fields() {
		v := f.Value
		switch f.Label {
		case "what":
			rec.What = v.String()
			whatSeen = true
		case "who":
			rec.Who = SplitWho(v)
			whoSeen = true
		case "when":
			when, err := ParseDate(v.String())
			if err != nil {
				return nil, err
			}
			rec.When = when
		case "where":
			rec.Where = v.String()
			target, err := DeriveTarget(v.String(), true, log)
			if err != nil {
				return nil, err
			}
			rec.Target = target
		case "how":
			policy, err := parsePolicy(v)
			if err != nil {
				return nil, err
			}
			rec.Policy = policy
		case "!contact":
			contact, err := parseContact(v)
			if err != nil {
				return nil, err
			}
			rec.Contact = contact
		case "!why":
			rec.Why = v.String()
		case "!address":
			address = v.String()
		case "!provider":
			rec.Provider = v.String()
		case "test_identifier":
			rec.TestIdentifier = v.String()
		case "service_provider":
			rec.ServiceProvider = v.String()
		case "purpose":
			rec.Purpose = v.String()
		default:
			if strings.HasPrefix(f.Label, "!") {
				rec.Comments = append(rec.Comments, Comment{f.Label: v.Interface()})
				continue
			}
			return nil, errors.NewValidation(f.Label, v.String(), "unrecognized NAAN field")
		}
	}
	if whoSeen {
		rec.Who.Address = address
	}
	if !whatSeen {
		return nil, errors.NewValidation("what", "", "NAAN record has no 'what' field")
	}
	return rec, nil
}

// ShoulderFromBlock builds a Shoulder record from a parsed ANVL block. The
// block's `what` field must name an ARK of the form ark:/NAAN/SHOULDER.
// A nil log suppresses target-derivation diagnostics.
func ShoulderFromBlock(blk *anvl.Block, log *slog.Logger) (*Shoulder, error) {
	data, ok := blk.Section("naa")
	if !ok {
		return nil, errors.NewValidation("shoulder", "", "no 'shoulder' entry in block")
	}
	rec := &Shoulder{
		PublicShoulder: PublicShoulder{RType: TypeShoulder},
	}
	shoulderSeen := false
	for _, f := range data.Fields() {
		v := f.Value
		switch f.Label {
		case "what":
			parts := strings.Split(v.String(), ":")
			if len(parts) != 2 {
				return nil, errors.NewValidation("what", v.String(), "expected an ark:/NAAN/SHOULDER value")
			}
			if strings.ToLower(parts[0]) != "ark" {
				return nil, errors.NewValidation("what", v.String(), "only ARK shoulders supported")
			}
			nv := strings.Split(strings.Trim(parts[1], "/"), "/")
			if len(nv) != 2 {
				return nil, errors.NewValidation("what", v.String(), "expected an ark:/NAAN/SHOULDER value")
			}
			rec.NAAN = nv[0]
			rec.Shoulder = nv[1]
			shoulderSeen = true
		case "who":
			rec.Who = SplitWho(v)
		case "when":
			when, err := ParseDate(v.String())
			if err != nil {
				return nil, err
			}
			rec.When = when
		case "where":
			rec.Where = v.String()
			target, err := DeriveTarget(v.String(), true, log)
			if err != nil {
				return nil, err
			}
			rec.Target = target
		case "how":
			policy, err := parsePolicy(v)
			if err != nil {
				return nil, err
			}
			rec.Policy = policy
		case "test_identifier":
			rec.TestIdentifier = v.String()
		case "provider":
			rec.Provider = v.String()
		default:
			if strings.HasPrefix(f.Label, "!") {
				rec.Comments = append(rec.Comments, Comment{f.Label: v.Interface()})
				continue
			}
			return nil, errors.NewValidation(f.Label, v.String(), "unrecognized shoulder field")
		}
	}
	if !shoulderSeen {
		return nil, errors.NewValidation("shoulder", "", "no 'shoulder' entry in block")
	}
	rec.What = rec.NAAN + "/" + rec.Shoulder
	return rec, nil
}

// ShoulderFromNAAN synthesizes a Shoulder record beneath a NAAN, copying the
// NAAN's organization, policy, endpoint and contact information.
func ShoulderFromNAAN(n *NAAN, shoulder string) *Shoulder {
	rec := &Shoulder{
		PublicShoulder: PublicShoulder{
			Shoulder: shoulder,
			NAAN:     n.What,
			What:     n.What + "/" + shoulder,
			Who:      n.Who,
			Where:    n.Where,
			Target:   n.Target,
			When:     n.When,
			Policy:   n.Policy,
			RType:    TypeShoulder,
		},
		Contact:          n.Contact.clone(),
		AlternateContact: n.AlternateContact.clone(),
		Comments:         cloneComments(n.Comments),
		Provider:         n.Provider,
	}
	return rec
}

// PublicShoulderFromNAAN synthesizes a public Shoulder record beneath a
// public NAAN.
func PublicShoulderFromNAAN(p *PublicNAAN, shoulder string) *PublicShoulder {
	return &PublicShoulder{
		Shoulder: shoulder,
		NAAN:     p.What,
		What:     p.What + "/" + shoulder,
		Who:      p.Who,
		Where:    p.Where,
		Target:   p.Target,
		When:     p.When,
		Policy:   p.Policy,
		RType:    TypePublicShoulder,
	}
}

// parsePolicy builds the na_policy structure from a 4-element "how" value.
func parsePolicy(v anvl.Value) (Policy, error) {
	parts := v.Parts()
	if len(parts) < 4 {
		return Policy{}, errors.NewValidation("how", v.String(), "expected orgtype | policy | tenure | policy_url")
	}
	return Policy{
		OrgType:   parts[0],
		Policy:    parts[1],
		Tenure:    parts[2],
		PolicyURL: parts[3],
	}, nil
}

// parseContact builds a contact from a !contact value of at least four
// elements, with an optional fifth phone element.
func parseContact(v anvl.Value) (*Contact, error) {
	parts := v.Parts()
	if len(parts) < 4 {
		return nil, errors.NewValidation("!contact", v.String(), "expected name | unit | tenure | email")
	}
	c := &Contact{
		Name:   parts[0],
		Unit:   parts[1],
		Tenure: parts[2],
		Email:  parts[3],
	}
	if len(parts) > 4 {
		c.Phone = parts[4]
	}
	return c, nil
}
