package docxcheck

import (
	"encoding/xml"
	"fmt"
	"strings"

	"marcut/internal/services"
)

type relationshipsXML struct {
	XMLName xml.Name          `xml:"Relationships"`
	Entries []relationshipXML `xml:"Relationship"`
}

type relationshipXML struct {
	ID         string `xml:"Id,attr"`
	Type       string `xml:"Type,attr"`
	Target     string `xml:"Target,attr"`
	TargetMode string `xml:"TargetMode,attr"`
}

func parseRelationships(relsPath string, data []byte) ([]relationshipXML, error) {
	var parsed relationshipsXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, services.Wrap(services.ErrInvalidInput, "docxcheck", "relationships",
			fmt.Sprintf("relationships part %q does not parse as XML", relsPath), err)
	}
	return parsed.Entries, nil
}

// relationshipIDs returns the set of relationship ids declared in a
// relationships part.
func relationshipIDs(data []byte) (map[string]struct{}, error) {
	entries, err := parseRelationships(documentRelsPart, data)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.ID != "" {
			ids[entry.ID] = struct{}{}
		}
	}
	return ids, nil
}

// checkRelationshipTargets resolves every internal relationship target
// against the archive entry set. External targets are skipped; an internal
// target that resolves to a missing entry is fatal.
func checkRelationshipTargets(relsPath string, data []byte, entries map[string]struct{}) error {
	rels, err := parseRelationships(relsPath, data)
	if err != nil {
		return err
	}
	base := relationshipSourceDir(relsPath)
	for _, rel := range rels {
		if strings.EqualFold(rel.TargetMode, "External") {
			continue
		}
		target := strings.TrimSpace(rel.Target)
		if target == "" {
			continue
		}
		resolved := resolveTarget(base, target)
		if _, ok := entries[resolved]; !ok {
			return services.Wrap(services.ErrInvalidInput, "docxcheck", "relationships",
				fmt.Sprintf("relationship %q in %q points at missing part %q", rel.ID, relsPath, resolved), nil)
		}
	}
	return nil
}

// relationshipSourceDir computes the directory relative targets resolve
// against: drop the /_rels/ segment and the .rels suffix to recover the
// owning part, then take its parent directory. The root relationships part
// resolves against the package root.
func relationshipSourceDir(relsPath string) string {
	owner := strings.TrimSuffix(relsPath, ".rels")
	owner = strings.Replace(owner, "_rels/", "", 1)
	if idx := strings.LastIndex(owner, "/"); idx >= 0 {
		return owner[:idx]
	}
	return ""
}

// resolveTarget joins a relationship target onto its base directory and
// normalizes . and .. segments. Absolute targets resolve from the package
// root. A .. at the root is dropped rather than treated as an error;
// producers in the wild emit them.
func resolveTarget(base, target string) string {
	// Strip any fragment or query the producer attached.
	if idx := strings.IndexAny(target, "#?"); idx >= 0 {
		target = target[:idx]
	}

	var joined string
	if strings.HasPrefix(target, "/") {
		joined = strings.TrimPrefix(target, "/")
	} else if base == "" {
		joined = target
	} else {
		joined = base + "/" + target
	}

	var resolved []string
	for _, segment := range strings.Split(joined, "/") {
		switch segment {
		case "", ".":
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, segment)
		}
	}
	return strings.Join(resolved, "/")
}
