package domain

// BpmnMetadata — расширения BPMN-элемента, нужные для обогащения задачи.
//
// Извлекается из документа определения процесса один раз на ключ
// (process definition id, activity id). После создания не мутирует —
// при обновлении кэша заменяется целиком.
type BpmnMetadata struct {
	// ExtensionProperties — properties из extensionElements.
	ExtensionProperties map[string]string `json:"extension_properties"`

	// FieldInjections — field injections (name → значение или expression).
	FieldInjections map[string]string `json:"field_injections"`

	// InputParameters — inputParameter из inputOutput.
	InputParameters map[string]string `json:"input_parameters"`

	// OutputParameters — outputParameter из inputOutput.
	OutputParameters map[string]string `json:"output_parameters"`
}

// EmptyMetadata возвращает метаданные со всеми пустыми (но не nil) map.
// Используется как fallback, когда документ недоступен или не парсится.
func EmptyMetadata() BpmnMetadata {
	return BpmnMetadata{
		ExtensionProperties: map[string]string{},
		FieldInjections:     map[string]string{},
		InputParameters:     map[string]string{},
		OutputParameters:    map[string]string{},
	}
}

// IsEmpty возвращает true, если ни одной записи нет.
func (m BpmnMetadata) IsEmpty() bool {
	return len(m.ExtensionProperties) == 0 &&
		len(m.FieldInjections) == 0 &&
		len(m.InputParameters) == 0 &&
		len(m.OutputParameters) == 0
}

// ApproxBytes — грубая оценка объёма метаданных в памяти.
// Используется только для метрики footprint кэша.
func (m BpmnMetadata) ApproxBytes() int {
	size := 0
	for _, kv := range []map[string]string{
		m.ExtensionProperties,
		m.FieldInjections,
		m.InputParameters,
		m.OutputParameters,
	} {
		for k, v := range kv {
			size += len(k) + len(v)
		}
	}
	return size
}
