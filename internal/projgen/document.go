package projgen

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// MSBuildNamespace is the namespace of the generated project.
const MSBuildNamespace = "http://schemas.microsoft.com/developer/msbuild/2003"

// Target names the base project provides and the generated project calls.
const (
	BuildModulesTarget = "BuildModules"
	BuildModuleTarget  = "BuildModule"
	BuildProjectTarget = "BuildProject"
)

type msbuildProject struct {
	XMLName        xml.Name        `xml:"http://schemas.microsoft.com/developer/msbuild/2003 Project"`
	ToolsVersion   string          `xml:"ToolsVersion,attr"`
	DefaultTargets string          `xml:"DefaultTargets,attr"`
	Imports        []msbuildImport `xml:"Import"`
	ItemGroups     []itemGroup     `xml:"ItemGroup"`
	PropertyGroups []propertyGroup `xml:"PropertyGroup"`
	Targets        []target        `xml:"Target"`
}

type msbuildImport struct {
	Project string `xml:"Project,attr"`
}

type itemGroup struct {
	Items []item
}

// item is an element named after its item type, e.g. <Project_1_ReferencePath Include=".."/>.
type item struct {
	XMLName xml.Name
	Include string `xml:"Include,attr"`
}

type propertyGroup struct {
	Properties []property
}

type property struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type target struct {
	Name  string        `xml:"Name,attr"`
	Tasks []msbuildTask `xml:"MSBuild"`
}

type msbuildTask struct {
	Projects   string `xml:"Projects,attr"`
	Targets    string `xml:"Targets,attr"`
	Properties string `xml:"Properties,attr"`
}

func newItem(itemType, include string) item {
	return item{XMLName: xml.Name{Local: itemType}, Include: include}
}

func newProperty(name, value string) property {
	return property{XMLName: xml.Name{Local: name}, Value: value}
}

func moduleVar(n int, field string) string  { return fmt.Sprintf("Module_%d_%s", n, field) }
func projectVar(n int, field string) string { return fmt.Sprintf("Project_%d_%s", n, field) }

// buildDocument assembles the orchestration project for tasks. Modules and
// projects are numbered separately from 1 in task order.
func buildDocument(baseProject string, tasks []Task) *msbuildProject {
	doc := &msbuildProject{
		ToolsVersion:   "14.0",
		DefaultTargets: BuildModulesTarget,
		Imports:        []msbuildImport{{Project: baseProject}},
		ItemGroups: []itemGroup{{Items: []item{
			newItem("BaseProjectReference", baseProject),
		}}},
	}

	var props []property
	build := target{Name: BuildModulesTarget}
	modules, projects := 0, 0
	for _, t := range tasks {
		switch t.Kind {
		case TaskModule:
			modules++
			name, models := moduleVar(modules, "Name"), moduleVar(modules, "Models")
			props = append(props,
				newProperty(name, t.Name),
				newProperty(models, strings.Join(t.Models, ",")),
			)
			build.Tasks = append(build.Tasks, msbuildTask{
				Projects:   "$(MSBuildProjectFullPath)",
				Targets:    BuildModuleTarget,
				Properties: fmt.Sprintf("ModuleName=$(%s);ModelNames=$(%s)", name, models),
			})
		case TaskProject:
			projects++
			path := projectVar(projects, "Path")
			refs, dests := projectVar(projects, "ReferencePath"), projectVar(projects, "DestinationPath")
			props = append(props, newProperty(path, t.ProjectPath))

			group := itemGroup{}
			for _, r := range t.ReferencePaths {
				group.Items = append(group.Items, newItem(refs, r))
			}
			for _, d := range t.DestinationPaths {
				group.Items = append(group.Items, newItem(dests, d))
			}
			if len(group.Items) > 0 {
				doc.ItemGroups = append(doc.ItemGroups, group)
			}
			build.Tasks = append(build.Tasks, msbuildTask{
				Projects:   "$(MSBuildProjectFullPath)",
				Targets:    BuildProjectTarget,
				Properties: fmt.Sprintf("ProjectPath=$(%s);ReferencePathItem=%s;DestinationPathItem=%s", path, refs, dests),
			})
		}
	}
	if len(props) > 0 {
		doc.PropertyGroups = []propertyGroup{{Properties: props}}
	}
	doc.Targets = []target{build}
	return doc
}

func (p *msbuildProject) marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal build project: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
