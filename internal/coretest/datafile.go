// Package coretest holds datafile fixtures shared by tests across packages.
package coretest

// Datafile is a small project exercising every experiment status, a random
// group, string and array encoded audiences, forced variations and feature
// variables.
const Datafile = `{
  "version": "4",
  "projectId": "1001",
  "accountId": "2002",
  "revision": "42",
  "botFiltering": false,
  "attributes": [
    {"id": "a1", "key": "browser"},
    {"id": "a2", "key": "country"}
  ],
  "audiences": [
    {
      "id": "aud-ff",
      "name": "Firefox users",
      "conditions": "[\"and\", [\"or\", [\"or\", {\"name\": \"browser\", \"type\": \"custom_attribute\", \"value\": \"firefox\"}]]]"
    },
    {
      "id": "aud-us",
      "name": "US users",
      "conditions": ["or", {"name": "country", "type": "custom_attribute", "value": "US"}]
    }
  ],
  "experiments": [
    {
      "id": "1000",
      "key": "checkout_flow",
      "status": "Running",
      "layerId": "l1",
      "audienceIds": ["aud-ff", "aud-us"],
      "variations": [
        {"id": "1001", "key": "control", "featureEnabled": false, "variables": [{"id": "v1", "value": "red"}]},
        {"id": "1002", "key": "treatment", "featureEnabled": true, "variables": [{"id": "v1", "value": "blue"}, {"id": "v2", "value": "25"}]}
      ],
      "trafficAllocation": [
        {"entityId": "1001", "endOfRange": 5000},
        {"entityId": "1002", "endOfRange": 10000}
      ],
      "forcedVariations": {"forced_user": "treatment", "broken_user": "missing"}
    },
    {
      "id": "2000",
      "key": "paused_exp",
      "status": "Paused",
      "layerId": "l2",
      "audienceIds": [],
      "variations": [{"id": "2001", "key": "a", "featureEnabled": false}],
      "trafficAllocation": [{"entityId": "2001", "endOfRange": 10000}],
      "forcedVariations": {"forced_user": "a"}
    },
    {
      "id": "3000",
      "key": "launched_exp",
      "status": "Launched",
      "layerId": "l3",
      "audienceIds": [],
      "variations": [{"id": "3001", "key": "on", "featureEnabled": true}],
      "trafficAllocation": [{"entityId": "3001", "endOfRange": 10000}],
      "forcedVariations": {}
    },
    {
      "id": "4000",
      "key": "open_exp",
      "status": "Running",
      "layerId": "l4",
      "audienceIds": [],
      "variations": [{"id": "4001", "key": "only", "featureEnabled": false}],
      "trafficAllocation": [{"entityId": "4001", "endOfRange": 10000}],
      "forcedVariations": {}
    },
    {
      "id": "6000",
      "key": "archived_exp",
      "status": "Archived",
      "layerId": "l6",
      "audienceIds": [],
      "variations": [{"id": "6001", "key": "old", "featureEnabled": false}],
      "trafficAllocation": [{"entityId": "6001", "endOfRange": 10000}],
      "forcedVariations": {}
    }
  ],
  "groups": [
    {
      "id": "5000",
      "policy": "random",
      "trafficAllocation": [
        {"entityId": "5100", "endOfRange": 5000},
        {"entityId": "5200", "endOfRange": 10000}
      ],
      "experiments": [
        {
          "id": "5100",
          "key": "group_exp_a",
          "status": "Running",
          "layerId": "l5",
          "audienceIds": [],
          "variations": [{"id": "5101", "key": "a_only", "featureEnabled": false}],
          "trafficAllocation": [{"entityId": "5101", "endOfRange": 10000}],
          "forcedVariations": {}
        },
        {
          "id": "5200",
          "key": "group_exp_b",
          "status": "Running",
          "layerId": "l5",
          "audienceIds": [],
          "variations": [{"id": "5201", "key": "b_only", "featureEnabled": false}],
          "trafficAllocation": [{"entityId": "5201", "endOfRange": 10000}],
          "forcedVariations": {}
        }
      ]
    }
  ],
  "featureFlags": [
    {
      "id": "f1",
      "key": "new_checkout",
      "experimentIds": ["1000"],
      "variables": [
        {"id": "v1", "key": "button_color", "type": "string", "defaultValue": "grey"},
        {"id": "v2", "key": "max_items", "type": "integer", "defaultValue": "10"},
        {"id": "v3", "key": "discount", "type": "double", "defaultValue": "0.5"},
        {"id": "v4", "key": "show_banner", "type": "boolean", "defaultValue": "true"}
      ]
    },
    {"id": "f2", "key": "launched_feature", "experimentIds": ["3000"], "variables": []},
    {"id": "f3", "key": "unused_feature", "experimentIds": [], "variables": []}
  ],
  "events": [
    {"id": "e1", "key": "purchase", "experimentIds": ["1000"]},
    {"id": "e2", "key": "signup", "experimentIds": []}
  ]
}`

// DatafileRevision43 is a later publish of Datafile: open_exp is gone,
// launched_exp is paused and checkout_flow lost its control variation.
const DatafileRevision43 = `{
  "version": "4",
  "projectId": "1001",
  "accountId": "2002",
  "revision": "43",
  "audiences": [],
  "experiments": [
    {
      "id": "1000",
      "key": "checkout_flow",
      "status": "Running",
      "audienceIds": [],
      "variations": [
        {"id": "1002", "key": "treatment", "featureEnabled": true}
      ],
      "trafficAllocation": [{"entityId": "1002", "endOfRange": 10000}],
      "forcedVariations": {}
    },
    {
      "id": "3000",
      "key": "launched_exp",
      "status": "Paused",
      "audienceIds": [],
      "variations": [{"id": "3001", "key": "on", "featureEnabled": true}],
      "trafficAllocation": [{"entityId": "3001", "endOfRange": 10000}],
      "forcedVariations": {}
    }
  ],
  "groups": [],
  "featureFlags": [],
  "events": []
}`
