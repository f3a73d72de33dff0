package misp

// mispToPlatform maps a MISP attribute type to a platform dataType (§4.1,
// §6.5). Types not present default to "other" via ToDataType.
var mispToPlatform = map[string]string{
	"md5":                    "hash",
	"sha1":                   "hash",
	"sha256":                 "hash",
	"sha224":                 "hash",
	"sha384":                 "hash",
	"sha512":                 "hash",
	"ssdeep":                 "hash",
	"imphash":                "hash",
	"pehash":                 "hash",
	"impfuzzy":               "hash",
	"ip-src":                 "ip",
	"ip-dst":                 "ip",
	"hostname":               "fqdn",
	"target-machine":         "fqdn",
	"domain":                 "domain",
	"email-src":              "mail",
	"email-dst":              "mail",
	"whois-registrant-email": "mail",
	"target-email":           "mail",
	"email-subject":          "mail_subject",
	"url":                    "url",
	"uri":                    "uri_path",
	"user-agent":             "user-agent",
	"filename":               "filename",
	"attachment":             "file",
	"malware-sample":         "file",
	"regkey":                 "registry",
	"regkey|value":           "registry",
}

// ToDataType implements the MISP→platform direction of the TaxonomyMap
// (§4.1), defaulting unknown types to "other".
func ToDataType(mispType string) string {
	if dt, ok := mispToPlatform[mispType]; ok {
		return dt
	}
	return "other"
}

// hashLengthRoutes implements the hash-length routing table from §4.1/§8.6:
// exported hash values are typed by their string length.
var hashLengthRoutes = map[int]string{
	32:  "md5",
	40:  "sha1",
	56:  "sha224",
	64:  "sha256",
	71:  "sha384",
	128: "sha512",
}

// mispCategoryType pairs a MISP category with a MISP type, the output of
// the platform→MISP direction of the TaxonomyMap.
type mispCategoryType struct {
	Category string
	Type     string
}

// platformToMisp maps a platform dataType to its MISP (category, type)
// pair. "hash" is handled specially by ToMispCategoryType since its type
// depends on value length rather than being a static lookup.
var platformToMisp = map[string]mispCategoryType{
	"ip":           {"Network activity", "ip-dst"},
	"fqdn":         {"Network activity", "hostname"},
	"domain":       {"Network activity", "domain"},
	"mail":         {"Payload delivery", "email-src"},
	"mail_subject": {"Payload delivery", "email-subject"},
	"url":          {"External analysis", "url"},
	"uri_path":     {"Network activity", "uri"},
	"user-agent":   {"Network activity", "user-agent"},
	"filename":     {"Payload delivery", "filename"},
	"file":         {"Payload delivery", "malware-sample"},
	"registry":     {"Persistence mechanism", "regkey"},
	"other":        {"Other", "other"},
}

// ToMispCategoryType implements the platform→MISP direction of the
// TaxonomyMap (§4.1). For dataType "hash" the MISP type is chosen by the
// length of value per the normative table in §4.1/§8.6.
func ToMispCategoryType(dataType string, value string) (category, mispType string) {
	if dataType == "hash" {
		if t, ok := hashLengthRoutes[len(value)]; ok {
			return "Payload delivery", t
		}
		return "Payload delivery", "other"
	}
	if ct, ok := platformToMisp[dataType]; ok {
		return ct.Category, ct.Type
	}
	return "Other", "other"
}
