package contactsdb

// FieldType classifies a detail field for filter-compilation purposes
// (spec §4.D).
type FieldType int

const (
	FieldString FieldType = iota
	FieldStringList
	FieldLocalizedString
	FieldLocalizedStringList
	FieldInteger
	FieldDate
	FieldBoolean
	FieldReal
	FieldOther
)

// DetailContext is one of the three context tags a detail may carry.
type DetailContext int

const (
	ContextHome DetailContext = iota
	ContextWork
	ContextOther
)

// AccessConstraint is a bit set on a Detail.
type AccessConstraint int

const (
	AccessNone        AccessConstraint = 0
	AccessReadOnly    AccessConstraint = 1
	AccessIrremovable AccessConstraint = 2
)

// DetailKind names one of the per-type detail tables of spec §3.
type DetailKind string

const (
	KindAddress        DetailKind = "Address"
	KindAnniversary    DetailKind = "Anniversary"
	KindAvatar         DetailKind = "Avatar"
	KindBirthday       DetailKind = "Birthday"
	KindDisplayLabel   DetailKind = "DisplayLabel"
	KindEmailAddress   DetailKind = "EmailAddress"
	KindFamily         DetailKind = "Family"
	KindFavorite       DetailKind = "Favorite"
	KindGender         DetailKind = "Gender"
	KindGeoLocation    DetailKind = "GeoLocation"
	KindGlobalPresence DetailKind = "GlobalPresence"
	KindGuid           DetailKind = "Guid"
	KindHobby          DetailKind = "Hobby"
	KindName           DetailKind = "Name"
	KindNickname       DetailKind = "Nickname"
	KindNote           DetailKind = "Note"
	KindOnlineAccount  DetailKind = "OnlineAccount"
	KindOrganization   DetailKind = "Organization"
	KindPhoneNumber    DetailKind = "PhoneNumber"
	KindPresence       DetailKind = "Presence"
	KindRingtone       DetailKind = "Ringtone"
	KindSyncTarget     DetailKind = "SyncTarget"
	KindTag            DetailKind = "Tag"
	KindUrl            DetailKind = "Url"
	KindOriginMetadata DetailKind = "OriginMetadata"
	KindExtendedDetail DetailKind = "ExtendedDetail"
	KindTimestamp      DetailKind = "Timestamp"
	KindStatusFlags    DetailKind = "StatusFlags"
	KindDeactivated    DetailKind = "Deactivated"
)

// Detail is a generic row spanning the shared Details table and one
// per-type table, keyed by Kind. Fields holds the per-type-table columns as
// a name→value bag; DetailKindDescriptors drives all generic marshalling,
// matching the "tagged variant with descriptor table" design of spec §9.
type Detail struct {
	ID            int64
	ContactID     int64
	Kind          DetailKind
	URI           string
	LinkedURIs    []string
	Contexts      []DetailContext
	Access        AccessConstraint
	Provenance    string
	Modifiable    bool
	NonExportable bool
	ChangeFlags   ChangeFlags
	Fields        map[string]any
}

func (d *Detail) clone() *Detail {
	cp := *d
	cp.LinkedURIs = append([]string(nil), d.LinkedURIs...)
	cp.Contexts = append([]DetailContext(nil), d.Contexts...)
	cp.Fields = make(map[string]any, len(d.Fields))

	for k, v := range d.Fields {
		cp.Fields[k] = v
	}

	return &cp
}

// Get returns field name as a string, or "" if absent/not a string.
func (d *Detail) Get(name string) string {
	v, _ := d.Fields[name].(string)
	return v
}

// FieldColumn describes one column of a per-type detail table.
type FieldColumn struct {
	Name        string // field name, as used in filters and Detail.Fields
	SQLColumn   string // column name in the per-type table
	Type        FieldType
	LowerColumn string // precomputed lowercased sibling column, if any (spec §4.D)
	IsPhone     bool   // PhoneNumber field: special normalize_phone_number matching
	IsEnum      bool   // subtype/protocol/gender style field: stored as numeric text
}

// DetailKindDescriptor is the per-variant entry of the DetailKind descriptor
// table (spec §9 design note: "Polymorphic details").
type DetailKindDescriptor struct {
	Kind            DetailKind
	Table           string
	Columns         []FieldColumn
	Composed        bool // Name, Timestamp, Gender, Favorite, Birthday
	Singular        bool // at most one per contact
	CanAppendUnique bool // supports read_details' "unique values" query
}

// detailKindDescriptors is the full descriptor table driving every
// type-generic operation: writeDetails, loadDetailsOfKind,
// compileDetailEquals, compileSortOrders.
var detailKindDescriptors = buildDescriptors()

func descriptor(kind DetailKind) (DetailKindDescriptor, bool) {
	d, ok := detailKindDescriptors[kind]
	return d, ok
}

func buildDescriptors() map[DetailKind]DetailKindDescriptor {
	list := []DetailKindDescriptor{
		{Kind: KindName, Table: "Names", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "FirstName", SQLColumn: "firstName", Type: FieldString, LowerColumn: "lowerFirstName"},
			{Name: "LastName", SQLColumn: "lastName", Type: FieldString, LowerColumn: "lowerLastName"},
			{Name: "MiddleName", SQLColumn: "middleName", Type: FieldString},
			{Name: "Prefix", SQLColumn: "prefix", Type: FieldString},
			{Name: "Suffix", SQLColumn: "suffix", Type: FieldString},
			{Name: "CustomLabel", SQLColumn: "customLabel", Type: FieldString},
		}},
		{Kind: KindNickname, Table: "Nicknames", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Nickname", SQLColumn: "nickname", Type: FieldString, LowerColumn: "lowerNickname"},
		}},
		{Kind: KindPhoneNumber, Table: "PhoneNumbers", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "PhoneNumber", SQLColumn: "phoneNumber", Type: FieldString, IsPhone: true},
			{Name: "NormalizedNumber", SQLColumn: "normalizedNumber", Type: FieldString},
			{Name: "SubType", SQLColumn: "subTypes", Type: FieldStringList, IsEnum: true},
		}},
		{Kind: KindEmailAddress, Table: "EmailAddresses", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "EmailAddress", SQLColumn: "emailAddress", Type: FieldString, LowerColumn: "lowerEmailAddress"},
		}},
		{Kind: KindAddress, Table: "Addresses", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Street", SQLColumn: "street", Type: FieldLocalizedString},
			{Name: "Locality", SQLColumn: "locality", Type: FieldLocalizedString},
			{Name: "Region", SQLColumn: "region", Type: FieldLocalizedString},
			{Name: "PostOfficeBox", SQLColumn: "postOfficeBox", Type: FieldLocalizedString},
			{Name: "Postcode", SQLColumn: "postcode", Type: FieldLocalizedString},
			{Name: "Country", SQLColumn: "country", Type: FieldLocalizedString},
			{Name: "SubType", SQLColumn: "subTypes", Type: FieldStringList, IsEnum: true},
		}},
		{Kind: KindOrganization, Table: "Organizations", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Name", SQLColumn: "name", Type: FieldLocalizedString},
			{Name: "Department", SQLColumn: "department", Type: FieldLocalizedStringList},
			{Name: "Title", SQLColumn: "title", Type: FieldString},
			{Name: "Role", SQLColumn: "role", Type: FieldString},
			{Name: "Location", SQLColumn: "location", Type: FieldString},
		}},
		{Kind: KindUrl, Table: "Urls", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Url", SQLColumn: "url", Type: FieldString},
			{Name: "SubType", SQLColumn: "subTypes", Type: FieldString, IsEnum: true},
		}},
		{Kind: KindNote, Table: "Notes", Columns: []FieldColumn{
			{Name: "Note", SQLColumn: "note", Type: FieldLocalizedString},
		}},
		{Kind: KindTag, Table: "Tags", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Tag", SQLColumn: "tag", Type: FieldString},
		}},
		{Kind: KindHobby, Table: "Hobbies", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Hobby", SQLColumn: "hobby", Type: FieldString},
		}},
		{Kind: KindBirthday, Table: "Birthdays", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "Birthday", SQLColumn: "birthday", Type: FieldDate},
			{Name: "Calendar", SQLColumn: "calendarId", Type: FieldString},
		}},
		{Kind: KindAnniversary, Table: "Anniversaries", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "OriginalDate", SQLColumn: "originalDateTime", Type: FieldDate},
			{Name: "Event", SQLColumn: "event", Type: FieldString},
			{Name: "SubType", SQLColumn: "subType", Type: FieldString, IsEnum: true},
		}},
		{Kind: KindAvatar, Table: "Avatars", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "ImageUrl", SQLColumn: "imageUrl", Type: FieldString},
			{Name: "VideoUrl", SQLColumn: "videoUrl", Type: FieldString},
			{Name: "AvatarMetadata", SQLColumn: "avatarMetadata", Type: FieldString},
		}},
		{Kind: KindFamily, Table: "Families", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "Spouse", SQLColumn: "spouse", Type: FieldString},
			{Name: "Children", SQLColumn: "children", Type: FieldStringList},
		}},
		{Kind: KindFavorite, Table: "Favorites", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "IsFavorite", SQLColumn: "isFavorite", Type: FieldBoolean},
		}},
		{Kind: KindGender, Table: "Genders", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "Gender", SQLColumn: "gender", Type: FieldString, IsEnum: true},
		}},
		{Kind: KindGeoLocation, Table: "GeoLocations", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Latitude", SQLColumn: "latitude", Type: FieldReal},
			{Name: "Longitude", SQLColumn: "longitude", Type: FieldReal},
		}},
		{Kind: KindGlobalPresence, Table: "GlobalPresences", Singular: true, Columns: []FieldColumn{
			{Name: "PresenceState", SQLColumn: "presenceState", Type: FieldInteger, IsEnum: true},
			{Name: "Timestamp", SQLColumn: "timestamp", Type: FieldDate},
			{Name: "Nickname", SQLColumn: "nickname", Type: FieldString},
			{Name: "CustomMessage", SQLColumn: "customMessage", Type: FieldString},
		}},
		{Kind: KindGuid, Table: "Guids", Singular: true, Columns: []FieldColumn{
			{Name: "Guid", SQLColumn: "guid", Type: FieldString},
		}},
		{Kind: KindOnlineAccount, Table: "OnlineAccounts", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "AccountUri", SQLColumn: "accountUri", Type: FieldString, LowerColumn: "lowerAccountUri"},
			{Name: "Protocol", SQLColumn: "protocol", Type: FieldString, IsEnum: true},
			{Name: "ServiceProvider", SQLColumn: "serviceProvider", Type: FieldString},
			{Name: "AccountPath", SQLColumn: "accountPath", Type: FieldString},
			{Name: "AccountIconPath", SQLColumn: "accountIconPath", Type: FieldString},
			{Name: "Enabled", SQLColumn: "enabled", Type: FieldBoolean},
		}},
		{Kind: KindPresence, Table: "Presences", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "PresenceState", SQLColumn: "presenceState", Type: FieldInteger, IsEnum: true},
			{Name: "Timestamp", SQLColumn: "timestamp", Type: FieldDate},
			{Name: "Nickname", SQLColumn: "nickname", Type: FieldString},
			{Name: "CustomMessage", SQLColumn: "customMessage", Type: FieldString},
			{Name: "AccountUri", SQLColumn: "accountUri", Type: FieldString},
		}},
		{Kind: KindRingtone, Table: "Ringtones", Columns: []FieldColumn{
			{Name: "AudioRingtone", SQLColumn: "audioRingtone", Type: FieldString},
			{Name: "VideoRingtone", SQLColumn: "videoRingtone", Type: FieldString},
		}},
		{Kind: KindSyncTarget, Table: "SyncTargets", Singular: true, Columns: []FieldColumn{
			{Name: "SyncTarget", SQLColumn: "syncTarget", Type: FieldString},
		}},
		{Kind: KindDisplayLabel, Table: "DisplayLabels", Singular: true, Columns: []FieldColumn{
			{Name: "Label", SQLColumn: "label", Type: FieldLocalizedString},
			{Name: "Group", SQLColumn: "labelGroup", Type: FieldString},
			{Name: "GroupSortOrder", SQLColumn: "labelGroupSortOrder", Type: FieldInteger},
		}},
		{Kind: KindOriginMetadata, Table: "OriginMetadata", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "GroupId", SQLColumn: "groupId", Type: FieldString},
			{Name: "Id", SQLColumn: "id", Type: FieldString},
			{Name: "Enabled", SQLColumn: "enabled", Type: FieldBoolean},
		}},
		{Kind: KindExtendedDetail, Table: "ExtendedDetails", CanAppendUnique: true, Columns: []FieldColumn{
			{Name: "Name", SQLColumn: "name", Type: FieldString},
			{Name: "Data", SQLColumn: "data", Type: FieldOther},
		}},
		{Kind: KindTimestamp, Table: "Timestamps", Singular: true, Composed: true, Columns: []FieldColumn{
			{Name: "Created", SQLColumn: "created", Type: FieldDate},
			{Name: "LastModified", SQLColumn: "lastModified", Type: FieldDate},
		}},
		{Kind: KindStatusFlags, Table: "StatusFlags", Singular: true, Columns: []FieldColumn{
			{Name: "Flags", SQLColumn: "flags", Type: FieldInteger},
		}},
		{Kind: KindDeactivated, Table: "Deactivated", Singular: true, Columns: nil},
	}

	out := make(map[DetailKind]DetailKindDescriptor, len(list))
	for _, d := range list {
		out[d.Kind] = d
	}

	return out
}

// SupportedKinds lists every kind a contact may carry, used by Writer's
// detail-constraint enforcement (spec §4.F step 6).
func SupportedKinds() []DetailKind {
	kinds := make([]DetailKind, 0, len(detailKindDescriptors))
	for k := range detailKindDescriptors {
		kinds = append(kinds, k)
	}

	return kinds
}

// excludedFromAggregatePromotion lists the kinds never copied onto an
// aggregate by the Aggregator (spec §4.G step 8): the aggregate synthesises
// its own display label and status, and presence/deactivation state belongs
// to the transient layer or the constituent alone.
var excludedFromAggregatePromotion = map[DetailKind]bool{
	KindDisplayLabel:   true,
	KindGlobalPresence: true,
	KindStatusFlags:    true,
	KindDeactivated:    true,
}
