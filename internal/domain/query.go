package domain

type SearchMode string

const (
	SearchPrefix    SearchMode = "prefix"
	SearchSubstring SearchMode = "substring"
)

// DefaultSearchField is the payload field holding a document's display name.
const DefaultSearchField = "nombre"

type TextSearch struct {
	Field string     `json:"field"`
	Term  string     `json:"term" validate:"required"`
	Mode  SearchMode `json:"mode" validate:"omitempty,oneof=prefix substring"`
}

type Query struct {
	Kind       string         `json:"kind" validate:"required"`
	Owner      string         `json:"owner"`
	Where      map[string]any `json:"where,omitempty"`
	Search     *TextSearch    `json:"search,omitempty"`
	SortBy     string         `json:"sort_by,omitempty"`
	Descending bool           `json:"descending,omitempty"`
	Limit      int            `json:"limit,omitempty" validate:"gte=0,lte=1000"`
}

type CreateIndexRequest struct {
	Fields []string `json:"fields" validate:"required,min=1,max=8,dive,required"`
}
