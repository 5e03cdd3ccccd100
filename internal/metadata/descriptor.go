package metadata

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// axModelInfo mirrors the model descriptor document found under
// <package>/Descriptor/<model>.xml.
type axModelInfo struct {
	XMLName         xml.Name `xml:"AxModelInfo"`
	Name            string   `xml:"Name"`
	DisplayName     string   `xml:"DisplayName"`
	ModelModule     string   `xml:"ModelModule"`
	Layer           string   `xml:"Layer"`
	Publisher       string   `xml:"Publisher"`
	VersionMajor    int      `xml:"VersionMajor"`
	VersionMinor    int      `xml:"VersionMinor"`
	VersionBuild    int      `xml:"VersionBuild"`
	VersionRevision int      `xml:"VersionRevision"`
	References      []string `xml:"ModuleReferences>string"`
}

// ParseDescriptor reads one model descriptor. packageName is used when the
// descriptor does not name its module.
func ParseDescriptor(path, packageName string) (ModelInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("read descriptor: %w", err)
	}
	return decodeDescriptor(b, path, packageName)
}

func decodeDescriptor(b []byte, path, packageName string) (ModelInfo, error) {
	var doc axModelInfo
	if err := xml.Unmarshal(b, &doc); err != nil {
		return ModelInfo{}, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return ModelInfo{}, fmt.Errorf("parse descriptor %s: model name is empty", path)
	}

	layer := LayerUSR
	if strings.TrimSpace(doc.Layer) != "" {
		l, err := ParseLayer(doc.Layer)
		if err != nil {
			return ModelInfo{}, fmt.Errorf("parse descriptor %s: %w", path, err)
		}
		layer = l
	}

	module := strings.TrimSpace(doc.ModelModule)
	if module == "" {
		module = packageName
	}

	refs := make([]string, 0, len(doc.References))
	for _, r := range doc.References {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}

	return ModelInfo{
		Name:        name,
		DisplayName: strings.TrimSpace(doc.DisplayName),
		Module:      module,
		Layer:       layer,
		Publisher:   strings.TrimSpace(doc.Publisher),
		Version: Version{
			Major:    doc.VersionMajor,
			Minor:    doc.VersionMinor,
			Build:    doc.VersionBuild,
			Revision: doc.VersionRevision,
		},
		References: refs,
	}, nil
}
