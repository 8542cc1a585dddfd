package bpmn

import "testing"

const sampleDoc = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:camunda="http://camunda.org/schema/1.0/bpmn"
                  id="Definitions_1">
  <bpmn:process id="invoice" isExecutable="true">
    <bpmn:startEvent id="start"/>
    <bpmn:serviceTask id="sendEmailTask" name="Send email" camunda:topic="send_email">
      <bpmn:extensionElements>
        <camunda:properties>
          <camunda:property name="template" value="invoice_ready"/>
          <camunda:property name="priority" value="high"/>
        </camunda:properties>
        <camunda:field name="from">
          <camunda:string>billing@example.com</camunda:string>
        </camunda:field>
        <camunda:field name="subjectExpr" expression="${invoiceId}"/>
        <camunda:inputOutput>
          <camunda:inputParameter name="recipient">${customerEmail}</camunda:inputParameter>
          <camunda:outputParameter name="deliveryStatus">sent</camunda:outputParameter>
        </camunda:inputOutput>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:serviceTask id="plainTask" camunda:topic="misc"/>
    <bpmn:endEvent id="end"/>
  </bpmn:process>
</bpmn:definitions>`

func TestExtract_AllExtensionKinds(t *testing.T) {
	result, err := Extract(sampleDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	meta, ok := result["sendEmailTask"]
	if !ok {
		t.Fatal("sendEmailTask should be extracted")
	}

	if meta.ExtensionProperties["template"] != "invoice_ready" {
		t.Errorf("unexpected template property: %q", meta.ExtensionProperties["template"])
	}
	if meta.ExtensionProperties["priority"] != "high" {
		t.Errorf("unexpected priority property: %q", meta.ExtensionProperties["priority"])
	}

	// field со вложенным string и field с атрибутом expression
	if meta.FieldInjections["from"] != "billing@example.com" {
		t.Errorf("unexpected field from: %q", meta.FieldInjections["from"])
	}
	if meta.FieldInjections["subjectExpr"] != "${invoiceId}" {
		t.Errorf("unexpected field subjectExpr: %q", meta.FieldInjections["subjectExpr"])
	}

	if meta.InputParameters["recipient"] != "${customerEmail}" {
		t.Errorf("unexpected input parameter: %q", meta.InputParameters["recipient"])
	}
	if meta.OutputParameters["deliveryStatus"] != "sent" {
		t.Errorf("unexpected output parameter: %q", meta.OutputParameters["deliveryStatus"])
	}
}

func TestExtract_RegistersActivitiesWithoutExtensions(t *testing.T) {
	result, err := Extract(sampleDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Один fetch покрывает все activities, включая пустые
	for _, id := range []string{"start", "plainTask", "end"} {
		meta, ok := result[id]
		if !ok {
			t.Errorf("activity %s should be registered", id)
			continue
		}
		if !meta.IsEmpty() {
			t.Errorf("activity %s should have empty metadata", id)
		}
	}
}

func TestExtract_InvalidDocument(t *testing.T) {
	_, err := Extract("<definitions><unclosed")
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExtract_EmptyDocument(t *testing.T) {
	result, err := Extract("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %d entries", len(result))
	}
}
