package wikiapi

// Namespace is a namespace descriptor from meta=siteinfo.
type Namespace struct {
	ID         int    `json:"id"`
	Case       string `json:"case"` // "first-letter" or "case-sensitive"
	Name       string `json:"name"`
	Canonical  string `json:"canonical"`
	Content    bool   `json:"content"`
	Subpages   bool   `json:"subpages"`
	Protection string `json:"namespaceprotection"`
}

// NamespaceAlias maps an alternative namespace prefix to its id.
type NamespaceAlias struct {
	ID    int    `json:"id"`
	Alias string `json:"alias"`
}

// General carries the site settings the title normalizer needs.
type General struct {
	LegalTitleChars string `json:"legaltitlechars"`
	Case            string `json:"case"`
	Lang            string `json:"lang"`
}

// Siteinfo bundles the namespace table with general settings.
type Siteinfo struct {
	Namespaces       map[string]Namespace `json:"namespaces"`
	NamespaceAliases []NamespaceAlias     `json:"namespacealiases"`
	General          General              `json:"general"`
}
