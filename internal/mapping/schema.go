package mapping

import "encoding/json"

// SchemaVersion is the version written to the _schema block.
const SchemaVersion = 1

// file is the on-disk layout.
type file struct {
	Schema   schema                     `json:"_schema"`
	Circuits map[string]json.RawMessage `json:"circuits"`
}

type schema struct {
	Version     int               `json:"version"`
	Description string            `json:"description"`
	Fields      map[string]string `json:"fields"`
}

func defaultSchema() schema {
	return schema{
		Version:     SchemaVersion,
		Description: "F1 circuit to OpenStreetMap mappings",
		Fields: map[string]string{
			"osm_id":        "OpenStreetMap element id (number, or null when the circuit is not in OSM)",
			"osm_type":      "Element type: relation or way",
			"wikidata_id":   "Wikidata item id (e.g. Q188822)",
			"manual":        "true = never changed by the resolver",
			"comment":       "Notes (added automatically for TODO entries)",
			"search_method": "How the mapping was found: direct_xref, tagged_search, name_search or manual",
			"search_name":   "Which name variant matched",
			"verified_at":   "When the mapping was last confirmed (RFC 3339)",
			"osm_version":   "Element version last downloaded",
		},
	}
}
