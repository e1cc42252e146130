package events

import (
	"encoding/json"
	"fmt"
)

// SetData stores a typed payload in the Data map.
func (e *Event) SetData(data interface{}) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert %T: %w", data, err)
	}
	e.Data = dataMap
	return nil
}

// GetPluginErroredData retrieves PluginErroredData from the Data field.
func (e *Event) GetPluginErroredData() (*PluginErroredData, error) {
	var data PluginErroredData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PluginErroredData: %w", err)
	}
	return &data, nil
}

// GetHookFailedData retrieves HookFailedData from the Data field.
func (e *Event) GetHookFailedData() (*HookFailedData, error) {
	var data HookFailedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse HookFailedData: %w", err)
	}
	return &data, nil
}

// GetWebhookData retrieves WebhookData from the Data field.
func (e *Event) GetWebhookData() (*WebhookData, error) {
	var data WebhookData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse WebhookData: %w", err)
	}
	return &data, nil
}

// GetCronData retrieves CronData from the Data field.
func (e *Event) GetCronData() (*CronData, error) {
	var data CronData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse CronData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON marshaling.
func mapToStruct(m map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
