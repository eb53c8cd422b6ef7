package overpass

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/circuit-geo/internal/model"
)

// quote renders s as an Overpass QL string literal.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func tagQuery(key, value string, timeout int) string {
	k, v := quote(key), quote(value)
	return fmt.Sprintf("[out:json][timeout:%d];(relation[%s=%s];way[%s=%s];);out tags;", timeout, k, v, k, v)
}

func nameQuery(name string, timeout int) string {
	pattern := quote(regexp.QuoteMeta(name))
	filters := []string{
		`relation["leisure"="track"]`,
		`relation["sport"~"motor"]`,
		`relation["highway"="raceway"]`,
		`relation["type"="circuit"]`,
		`way["leisure"="track"]`,
		`way["sport"~"motor"]`,
		`way["highway"="raceway"]`,
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[out:json][timeout:%d];(", timeout)
	for _, f := range filters {
		fmt.Fprintf(&b, `%s["name"~%s,i];`, f, pattern)
	}
	b.WriteString(");out tags;")
	return b.String()
}

func descentQuery(parent model.GeoRef, timeout int) string {
	return fmt.Sprintf(`[out:json][timeout:%d];%s(%d);>>;(nwr._["type"="circuit"];nwr._["highway"="raceway"];);out tags;`,
		timeout, parent.Type, *parent.ID)
}

func geometryQuery(ref model.GeoRef, timeout int) string {
	return fmt.Sprintf("[out:json][timeout:%d];%s(%d);out geom meta;", timeout, ref.Type, *ref.ID)
}

func versionQuery(ref model.GeoRef, timeout int) string {
	return fmt.Sprintf("[out:json][timeout:%d];%s(%d);out meta;", timeout, ref.Type, *ref.ID)
}
