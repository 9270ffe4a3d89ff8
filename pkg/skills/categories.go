package skills

import "strings"

// Category groups skills for authorization rules.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryWeb     Category = "web"
	CategoryUI      Category = "ui"
	CategorySystem  Category = "system"
	CategoryGeneral Category = "general"
)

func AllCategories() []Category {
	return []Category{
		CategoryRead,
		CategoryWrite,
		CategoryWeb,
		CategoryUI,
		CategorySystem,
		CategoryGeneral,
	}
}

func IsValidCategory(category string) bool {
	cat := Category(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// ParseCategories converts configured names, dropping unknown ones.
func ParseCategories(names []string) []Category {
	out := make([]Category, 0, len(names))
	for _, n := range names {
		if IsValidCategory(n) {
			out = append(out, Category(strings.ToLower(n)))
		}
	}
	return out
}

// ContainsCategory reports whether c is in list.
func ContainsCategory(list []Category, c Category) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
