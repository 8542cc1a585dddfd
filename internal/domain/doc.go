// Package domain содержит типы предметной области моста:
// external task движка, BPMN-метаданные и wire-сообщения
// (TaskMessage в сторону downstream-систем, ResponseMessage обратно).
//
// Пакет не зависит ни от транспорта, ни от брокера — только данные.
package domain
