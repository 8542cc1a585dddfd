package bpmn

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shaiso/conveyor/internal/domain"
)

// Extract разбирает BPMN-документ и собирает расширения для каждого
// элемента с атрибутом id — за один проход по документу.
//
// Извлекаются:
//   - extensionElements/properties/property (name/value)
//   - field injections (атрибут expression или вложенные string/expression)
//   - inputOutput/inputParameter и outputParameter
//
// Расширение приписывается ближайшему объемлющему элементу с id.
// Элементы с id без расширений тоже попадают в результат (с пустыми
// метаданными) — кэш амортизирует один сетевой fetch на все activities
// определения, включая «пустые».
func Extract(doc string) (map[string]domain.BpmnMetadata, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	result := make(map[string]domain.BpmnMetadata)

	// Стек id по глубине вложенности ("" для элементов без id).
	var scope []string

	current := func() string {
		for i := len(scope) - 1; i >= 0; i-- {
			if scope[i] != "" {
				return scope[i]
			}
		}
		return ""
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse bpmn document: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "property":
				// <camunda:property name="..." value="..."/>
				name := attr(el, "name")
				value := attr(el, "value")
				if id := current(); id != "" && name != "" {
					meta := ensure(result, id)
					meta.ExtensionProperties[name] = value
					result[id] = meta
				}
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("parse property: %w", err)
				}

			case "field":
				// <camunda:field name="..."> со string/expression внутри
				// либо с атрибутом expression.
				name := attr(el, "name")
				value := attr(el, "expression")
				inner, err := innerText(dec)
				if err != nil {
					return nil, fmt.Errorf("parse field: %w", err)
				}
				if value == "" {
					value = inner
				}
				if id := current(); id != "" && name != "" {
					meta := ensure(result, id)
					meta.FieldInjections[name] = value
					result[id] = meta
				}

			case "inputParameter", "outputParameter":
				name := attr(el, "name")
				value, err := innerText(dec)
				if err != nil {
					return nil, fmt.Errorf("parse %s: %w", el.Name.Local, err)
				}
				if id := current(); id != "" && name != "" {
					meta := ensure(result, id)
					if el.Name.Local == "inputParameter" {
						meta.InputParameters[name] = value
					} else {
						meta.OutputParameters[name] = value
					}
					result[id] = meta
				}

			default:
				id := attr(el, "id")
				if id != "" {
					// Регистрируем элемент, даже если расширений нет.
					result[id] = ensure(result, id)
				}
				scope = append(scope, id)
			}

		case xml.EndElement:
			if len(scope) > 0 {
				scope = scope[:len(scope)-1]
			}
		}
	}

	return result, nil
}

// attr возвращает значение атрибута по локальному имени.
func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// ensure возвращает метаданные для id, создавая пустые при первом обращении.
func ensure(m map[string]domain.BpmnMetadata, id string) domain.BpmnMetadata {
	if meta, ok := m[id]; ok {
		return meta
	}
	return domain.EmptyMetadata()
}

// innerText читает содержимое текущего элемента до закрывающего тега,
// склеивая текст (включая текст вложенных элементов вроде camunda:string).
func innerText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	depth := 1

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			sb.Write(t)
		}
	}

	return strings.TrimSpace(sb.String()), nil
}
