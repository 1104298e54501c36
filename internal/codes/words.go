package codes

import (
    "sort"
    "strings"
)

const DefaultTheme = "animals"

var themes = map[string][]string{
    "animals": {
        "lion", "zebra", "giraffe", "cheetah", "rhino", "hippo", "gazelle", "leopard",
        "buffalo", "ostrich", "flamingo", "warthog", "serval", "topi", "impala", "eland",
    },
    "colors": {
        "red", "blue", "green", "amber", "violet", "indigo", "teal", "coral",
        "olive", "maroon", "silver", "gold", "crimson", "azure", "jade", "ivory",
    },
    "foods": {
        "mango", "banana", "cassava", "maize", "ugali", "chapati", "samosa", "mandazi",
        "pilau", "matoke", "dengu", "omena", "papaya", "guava", "tamarind", "coconut",
    },
    "landmarks": {
        "uhuru", "kenyatta", "maasai", "tsavo", "amboseli", "nakuru", "naivasha", "mombasa",
        "kisumu", "eldoret", "thika", "malindi", "lamu", "garissa", "nyeri", "kericho",
    },
}

// themeWords resolves a theme name, falling back to the default for
// unknown names.
func themeWords(theme string) ([]string, string) {
    t := strings.ToLower(strings.TrimSpace(theme))
    if w, ok := themes[t]; ok {
        return w, t
    }
    return themes[DefaultTheme], DefaultTheme
}

// Themes lists the available theme names in stable order.
func Themes() []string {
    out := make([]string, 0, len(themes))
    for t := range themes {
        out = append(out, t)
    }
    sort.Strings(out)
    return out
}
